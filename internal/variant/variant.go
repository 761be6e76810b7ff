// Package variant groups the GGUF files of a model repository into the
// downloadable units a user picks from: one quantisation, possibly split
// across several shard files.
package variant

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

const (
	ggufExt = ".gguf"

	unknownShardQuant  = "Unknown"
	unknownSingleQuant = "Other"

	unrankedQuant = 999
)

var shardPattern = regexp.MustCompile(`(?i)^(.+?)-(\d{5})-of-(\d{5})\.gguf$`)

// Most specific first, the first match wins.
var quantPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(IQ[1-4]_(?:XS|NL|[MSX]+))\b`),
	regexp.MustCompile(`(?i)\b(Q[2-8]_K_[LMSX])\b`),
	regexp.MustCompile(`(?i)\b(Q[2-8]_K)\b`),
	regexp.MustCompile(`(?i)\b(Q[2-8]_[01])\b`),
	regexp.MustCompile(`(?i)\b(BF16|F16|F32)\b`),
}

// Rough quality order, best first.
var quantOrder = []string{
	"Q8_0", "Q6_K", "Q5_K_M", "Q5_K_S", "Q5_0",
	"Q4_K_M", "Q4_K_S", "Q4_0",
	"Q3_K_L", "Q3_K_M", "Q3_K_S",
	"Q2_K", "Q2_K_S",
	"IQ4_XS", "IQ4_NL", "IQ3_M", "IQ3_S", "IQ3_XS",
	"IQ2_M", "IQ2_S", "IQ2_XS", "IQ1_M", "IQ1_S",
	"F16", "BF16", "F32",
}

var quantRank = func() map[string]int {
	m := make(map[string]int, len(quantOrder))
	for i, q := range quantOrder {
		m[q] = i
	}

	return m
}()

// File is one entry of a repository listing. Size is nil when unknown.
type File struct {
	Path string `json:"path"`
	Size *int64 `json:"size"`
}

// Variant is one user-selectable download.
type Variant struct {
	Label     string   `json:"label"`
	Quant     string   `json:"quant"`
	Files     []string `json:"files"`
	TotalSize *int64   `json:"totalSize"`
	Sharded   bool     `json:"sharded"`
}

type shardKey struct {
	dir   string
	stem  string
	count string
}

type shardGroup struct {
	stem  string
	files []File
}

// Group partitions the .gguf entries of files into variants ordered by
// quantisation quality. Non-GGUF entries are ignored.
func Group(files []File) []Variant {
	var (
		order   []shardKey
		shards  = make(map[shardKey]*shardGroup)
		singles []File
	)

	for _, f := range files {
		if !IsGGUF(f.Path) {
			continue
		}

		dir, name := path.Split(f.Path)

		m := shardPattern.FindStringSubmatch(name)
		if m == nil {
			singles = append(singles, f)

			continue
		}

		key := shardKey{dir: dir, stem: m[1], count: m[3]}

		g, ok := shards[key]
		if !ok {
			g = &shardGroup{stem: m[1]}
			shards[key] = g
			order = append(order, key)
		}

		g.files = append(g.files, f)
	}

	variants := make([]Variant, 0, len(order)+len(singles))

	for _, key := range order {
		variants = append(variants, shardedVariant(shards[key]))
	}

	for _, f := range singles {
		variants = append(variants, singleVariant(f))
	}

	sort.SliceStable(variants, func(i, j int) bool {
		return rank(variants[i].Quant) < rank(variants[j].Quant)
	})

	return variants
}

func shardedVariant(g *shardGroup) Variant {
	sort.Slice(g.files, func(i, j int) bool { return g.files[i].Path < g.files[j].Path })

	quant := ExtractQuant(g.stem)

	label := fmt.Sprintf("%s (%d shards)", quant, len(g.files))
	if quant == "" {
		label = fmt.Sprintf("%s (%d shards)", g.stem, len(g.files))
		quant = unknownShardQuant
	}

	paths := make([]string, len(g.files))
	sizes := make([]*int64, len(g.files))

	for i, f := range g.files {
		paths[i] = f.Path
		sizes[i] = f.Size
	}

	return Variant{
		Label:     label,
		Quant:     quant,
		Files:     paths,
		TotalSize: sumKnown(sizes),
		Sharded:   true,
	}
}

func singleVariant(f File) Variant {
	name := path.Base(f.Path)
	quant := ExtractQuant(name)

	label := quant
	if quant == "" {
		label = name[:len(name)-len(ggufExt)]
		quant = unknownSingleQuant
	}

	return Variant{
		Label:     label,
		Quant:     quant,
		Files:     []string{f.Path},
		TotalSize: f.Size,
	}
}

// ExtractQuant returns the upper-cased quantisation tag found in name, such
// as "Q4_K_M" or "IQ3_XS", or "" when there is none.
func ExtractQuant(name string) string {
	for _, re := range quantPatterns {
		if m := re.FindStringSubmatch(name); m != nil {
			return strings.ToUpper(m[1])
		}
	}

	return ""
}

// IsGGUF reports whether p names a GGUF file.
func IsGGUF(p string) bool {
	return strings.HasSuffix(strings.ToLower(p), ggufExt)
}

func rank(quant string) int {
	if r, ok := quantRank[strings.ToUpper(quant)]; ok {
		return r
	}

	return unrankedQuant
}

// sumKnown returns nil if any size is unknown.
func sumKnown(sizes []*int64) *int64 {
	var total int64

	for _, s := range sizes {
		if s == nil {
			return nil
		}

		total += *s
	}

	return &total
}
