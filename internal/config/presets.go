package config

import "sort"

// Presets are named regimes layered over Default.
var Presets = map[string]func(p *Params){
	"jet-on-pool": func(p *Params) {},
	// The liquid (jet and pool) relaxes almost instantly.
	"weakly-elastic": func(p *Params) {
		p.Wi, p.El = 1e-3, 1e-3
	},
	// The surrounding phase carries the liquid's relaxation time and modulus.
	"elastic-ambient": func(p *Params) {
		p.Wi2, p.El2 = p.Wi, p.El
	},
	"high-weber": func(p *Params) {
		p.We = 1e3
		p.Tolerances.Vel = 5e-3
	},
	"coarse": func(p *Params) {
		p.MaxLevel = 7
		p.InitLevel = 5
		p.MinLevel = 3
		p.TMax = 1
		p.TSnap = 0.1
	},
}

// Preset returns Default with the named preset applied, or false when the
// preset does not exist.
func Preset(name string) (Params, bool) {
	apply, ok := Presets[name]
	if !ok {
		return Params{}, false
	}
	p := Default()
	apply(&p)
	return p, true
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
