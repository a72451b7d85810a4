package core

// dna_manifest.go decodes the DNA manifest a bundle archive would otherwise
// unpack into the handful of fields the Cell core actually needs: the DNA's
// name, its properties, and the network seed that lets
// the same manifest produce distinct DNA hashes for distinct clone cells.
// Decoded with gopkg.in/yaml.v3, the same library used for conductor config
// files, generalized here to a per-DNA manifest file.

import (
	"sort"

	"gopkg.in/yaml.v3"
)

// DnaManifest is the subset of a DNA bundle's manifest this core cares
// about: its properties (opaque, sorted for canonical hashing) and the
// network seed that modifies the resulting DNA hash without touching the
// integrity zomes themselves.
type DnaManifest struct {
	Name          string            `yaml:"name"`
	NetworkSeed   string            `yaml:"network_seed"`
	Properties    map[string]string `yaml:"properties"`
	IntegrityCode []byte            `yaml:"-"` // the zome wasm/bytecode this manifest names, supplied out of band
}

// ParseDnaManifest decodes a YAML-encoded DNA manifest.
func ParseDnaManifest(data []byte) (DnaManifest, error) {
	var m DnaManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return DnaManifest{}, Wrap(KindValidation, "parse dna manifest", err)
	}
	return m, nil
}

// canonicalBytes produces a deterministic byte representation of the
// manifest for hashing: name, network seed, then properties sorted by key,
// followed by the integrity code. Map iteration order in Go is randomized,
// so properties are sorted explicitly the way canonical serialization
// requires ("map keys sorted").
func (m DnaManifest) canonicalBytes() []byte {
	var out []byte
	out = append(out, []byte(m.Name)...)
	out = append(out, 0)
	out = append(out, []byte(m.NetworkSeed)...)
	out = append(out, 0)

	keys := make([]string, 0, len(m.Properties))
	for k := range m.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, []byte(k)...)
		out = append(out, '=')
		out = append(out, []byte(m.Properties[k])...)
		out = append(out, 0)
	}
	out = append(out, m.IntegrityCode...)
	return out
}

// DNAHash derives this manifest's DNA hash. Two manifests identical except
// for NetworkSeed hash differently; two
// installs of the same manifest and seed hash identically, which is what
// lets a clone cell's modifiers be compared against its base role.
func (m DnaManifest) DNAHash() Hash {
	return NewHash(HashTypeDNA, m.canonicalBytes())
}
