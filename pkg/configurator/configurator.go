// Package configurator loads the extension -> (media type, extractor kind)
// table from a JSON file and serves it as an immutable, process-wide lookup.
package configurator

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/rs/zerolog/log"
)

// fileSchema mirrors the on-disk JSON document
type fileSchema struct {
	SupportedMediaExtension map[string][]string `json:"supportedMediaExtension"`
	ForceSWDecoders bool `json:"force-sw-decoders"`
}

// tagBasedAudioExtensions is the hard-coded small set of audio extensions
// that get the tag-based extractor instead of the pipeline-based one.
var tagBasedAudioExtensions = map[string]bool{
	"mp3": true,
	"ogg": true,
	"oga": true,
	"flac": true,
	"m4a": true,
}

// Entry is one row of the extension table.
type Entry struct {
	Type mediaitem.Type
	ExtractorKind mediaitem.ExtractorKind
}

// Configurator is the immutable-after-load extension table. Queries are
// case-sensitive first, falling back to a case-folded lookup; the
// original-case key always wins on a tie.
type Configurator struct {
	exact map[string]Entry
	folded map[string]Entry

	ForceSWDecoders bool
}

// Load reads and parses the extension config file at path. Load itself just
// reports the error; cmd/mediaindexd treats it as a startup failure.
func Load(path string) (*Configurator, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("failed to read extension config %s: %w", path, err)
	}

	var schema fileSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse extension config %s: %w", path, err)
	}

	if schema.SupportedMediaExtension == nil {
		log.Warn().Str("path", path).Msg("extension config missing supportedMediaExtension key")
	}

	c := &Configurator{
		exact: make(map[string]Entry),
		folded: make(map[string]Entry),
		ForceSWDecoders: schema.ForceSWDecoders,
	}

	for category, exts := range schema.SupportedMediaExtension {
		typ, ok := categoryType(category)
		if !ok {
			log.Warn().Str("category", category).Msg("skipping unknown media category in extension config")
			continue
		}
		for _, ext := range exts {
			c.add(ext, typ)
		}
	}

	return c, nil
}

func categoryType(category string) (mediaitem.Type, bool) {
	switch category {
	case "audio":
		return mediaitem.Audio, true
	case "video":
		return mediaitem.Video, true
	case "image":
		return mediaitem.Image, true
	default:
		return 0, false
	}
}

func (c *Configurator) add(ext string, typ mediaitem.Type) {
	kind := kindFor(typ, ext)
	entry := Entry{Type: typ, ExtractorKind: kind}

	// original-case key takes precedence over anything the folded lookup
	// would otherwise resolve to.
	c.exact[ext] = entry

	folded := strings.ToLower(ext)
	if _, exists := c.folded[folded]; !exists {
		c.folded[folded] = entry
	}
}

func kindFor(typ mediaitem.Type, ext string) mediaitem.ExtractorKind {
	switch typ {
	case mediaitem.Image:
		return mediaitem.ImageKind
	case mediaitem.Video:
		return mediaitem.PipelineKind
	case mediaitem.Audio:
		if tagBasedAudioExtensions[strings.ToLower(strings.TrimPrefix(ext, "."))] {
			return mediaitem.TagKind
		}
		return mediaitem.PipelineKind
	default:
		return mediaitem.PipelineKind
	}
}

// Lookup resolves a file extension (with or without leading dot) to its
// table entry. Returns ok=false if the extension isn't a media file,
// meaning the caller should skip it.
func (c *Configurator) Lookup(ext string) (Entry, bool) {
	if e, ok := c.exact[ext]; ok {
		return e, true
	}
	if e, ok := c.folded[strings.ToLower(ext)]; ok {
		return e, true
	}
	return Entry{}, false
}
