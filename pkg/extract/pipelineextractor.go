package extract

import (
	"context"
	"os"
	"strings"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/gabriel-vasile/mimetype"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/mewkiz/flac"
	"github.com/rs/zerolog/log"
)

// PipelineExtractor decodes the file itself to recover properties tags
// don't reliably carry: sample rate, channel count, duration. Used for
// audio codecs outside the tag-based set and, in a best-effort capacity,
// for video (MIME sniffing only — no container parser is in scope).
//
// ForceSWDecoders carries the extension config's force-sw-decoders flag
// through; every decoder here is already a pure-Go software decoder, so
// it has no effect today and exists only so the flag round-trips if a
// future codec adds a hardware path.
type PipelineExtractor struct {
	ForceSWDecoders bool
}

func NewPipelineExtractor(forceSWDecoders bool) Factory {
	return func(string) Extractor { return &PipelineExtractor{ForceSWDecoders: forceSWDecoders} }
}

func (e *PipelineExtractor) Extract(_ context.Context, item *mediaitem.Item, _ bool) {
	switch item.Type {
	case mediaitem.Audio:
		e.extractAudio(item)
	case mediaitem.Video:
		e.extractVideo(item)
	case mediaitem.Image, mediaitem.EOL:
	}
}

func (e *PipelineExtractor) extractAudio(item *mediaitem.Item) {
	f, err := os.Open(item.Path) //nolint:gosec // path comes from the device's own walk
	if err != nil {
		log.Warn().Err(err).Str("path", item.Path).Msg("pipeline extractor failed to open file")
		return
	}
	defer func() { _ = f.Close() }()

	ext := strings.ToLower(item.Extension)
	switch ext {
	case "mp3":
		e.decodeMP3(item, f)
	case "ogg", "oga":
		e.decodeOggVorbis(item, f)
	case "flac":
		e.decodeFlac(item, f)
	default:
		log.Debug().Str("extension", ext).Msg("no pipeline decoder registered for extension")
	}
}

func (e *PipelineExtractor) decodeMP3(item *mediaitem.Item, f *os.File) {
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		log.Warn().Err(err).Str("path", item.Path).Msg("mp3 decode failed")
		return
	}
	item.SetAttr(mediaitem.SampleRate, mediaitem.Int64Attr(int64(dec.SampleRate())))
	item.SetAttr(mediaitem.Channels, mediaitem.Int64Attr(2))

	frames := dec.Length() / 4 // 16-bit stereo PCM
	if dec.SampleRate() > 0 {
		seconds := float64(frames) / float64(dec.SampleRate())
		item.SetAttr(mediaitem.Duration, mediaitem.Float64Attr(seconds))
	}
}

func (e *PipelineExtractor) decodeOggVorbis(item *mediaitem.Item, f *os.File) {
	reader, err := oggvorbis.NewReader(f)
	if err != nil {
		log.Warn().Err(err).Str("path", item.Path).Msg("ogg vorbis decode failed")
		return
	}
	item.SetAttr(mediaitem.SampleRate, mediaitem.Int64Attr(int64(reader.SampleRate())))
	item.SetAttr(mediaitem.Channels, mediaitem.Int64Attr(int64(reader.Channels())))
	if reader.SampleRate() > 0 {
		seconds := float64(reader.Length()) / float64(reader.SampleRate())
		item.SetAttr(mediaitem.Duration, mediaitem.Float64Attr(seconds))
	}
}

func (e *PipelineExtractor) decodeFlac(item *mediaitem.Item, f *os.File) {
	stream, err := flac.Parse(f)
	if err != nil {
		log.Warn().Err(err).Str("path", item.Path).Msg("flac decode failed")
		return
	}
	info := stream.Info
	item.SetAttr(mediaitem.SampleRate, mediaitem.Int64Attr(int64(info.SampleRate)))
	item.SetAttr(mediaitem.Channels, mediaitem.Int64Attr(int64(info.NChannels)))
	item.SetAttr(mediaitem.BitsPerSample, mediaitem.Int64Attr(int64(info.BitsPerSample)))
	if info.SampleRate > 0 {
		seconds := float64(info.NSamples) / float64(info.SampleRate)
		item.SetAttr(mediaitem.Duration, mediaitem.Float64Attr(seconds))
	}
}

// extractVideo has no container parser in scope: it sniffs MIME so the
// record at least carries an accurate content type, and leaves geometry
// and duration unset rather than guessing.
func (e *PipelineExtractor) extractVideo(item *mediaitem.Item) {
	mt, err := mimetype.DetectFile(item.Path)
	if err != nil {
		log.Warn().Err(err).Str("path", item.Path).Msg("mime detection failed for video file")
		return
	}
	item.MIME = mt.String()
}
