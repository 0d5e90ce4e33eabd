package card

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/litetavern/internal/card/pngchunk"
	"github.com/tjfontaine/litetavern/internal/domain"
)

const (
	MIMETypePNG  = "image/png"
	MIMETypeJSON = "application/json"

	// DefaultMaxBytes bounds the size of an imported file.
	DefaultMaxBytes int64 = 20 << 20
)

// ErrTooLarge is wrapped by the format error returned for files over the size limit.
var ErrTooLarge = errors.New("file too large")

// RawContainer is an uploaded file read fully into memory. It is read once and
// discarded after import.
type RawContainer struct {
	Name     string
	MIMEType string
	Size     int64
	Data     []byte
}

// ReadContainer reads r into a RawContainer. Files larger than maxBytes are
// rejected with a format error wrapping ErrTooLarge; maxBytes <= 0 uses
// DefaultMaxBytes.
func ReadContainer(name, mimeType string, r io.Reader, maxBytes int64) (*RawContainer, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, &domain.ImportError{
			Kind:    domain.ImportErrorFormat,
			Message: fmt.Sprintf("file %s exceeds %d bytes", name, maxBytes),
			Err:     ErrTooLarge,
		}
	}

	return &RawContainer{
		Name:     name,
		MIMEType: mimeType,
		Size:     int64(len(data)),
		Data:     data,
	}, nil
}

// declaredType returns the media type without parameters, inferring it from the
// file suffix when none was declared.
func (c *RawContainer) declaredType() string {
	t := c.MIMEType
	if t == "" || t == "application/octet-stream" {
		t = mime.TypeByExtension(strings.ToLower(filepath.Ext(c.Name)))
	}
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(t))
}

func (c *RawContainer) isPNG() bool {
	return c.declaredType() == MIMETypePNG
}

func (c *RawContainer) isJSON() bool {
	return c.declaredType() == MIMETypeJSON || strings.HasSuffix(strings.ToLower(c.Name), ".json")
}

// dataURI encodes the container as a data URI.
func (c *RawContainer) dataURI() string {
	mt := c.declaredType()
	if mt == "" {
		mt = MIMETypePNG
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(c.Data)
}

// Importer turns uploaded files into canonical characters.
type Importer struct {
	normalizer *Normalizer
	logger     *slog.Logger
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ImporterOption {
	return func(i *Importer) {
		i.logger = logger
	}
}

// WithNormalizer sets the normalizer, mostly to control IDs in tests.
func WithNormalizer(n *Normalizer) ImporterOption {
	return func(i *Importer) {
		i.normalizer = n
	}
}

// NewImporter creates an importer.
func NewImporter(opts ...ImporterOption) *Importer {
	i := &Importer{
		normalizer: NewNormalizer(nil),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Import extracts a character from c.
//
// PNG files are scanned for an embedded card first; on success the same buffer is
// attached as the avatar. When that yields nothing and the file is JSON-typed, the
// whole file is parsed as a card. Otherwise the import fails with ErrUnsupportedFormat,
// or with the scanner's ErrFormat when the PNG itself was malformed.
func (i *Importer) Import(ctx context.Context, c *RawContainer) (*domain.Character, error) {
	_, span := otel.Tracer("litetavern/card").Start(ctx, "card.Import")
	defer span.End()
	span.SetAttributes(
		attribute.String("card.name", c.Name),
		attribute.String("card.mime_type", c.declaredType()),
		attribute.Int64("card.size", c.Size),
	)

	char, err := i.importContainer(c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("card.format", string(char.Provenance.OriginalFormat)))
	return char, nil
}

func (i *Importer) importContainer(c *RawContainer) (*domain.Character, error) {
	var pngErr error

	if c.isPNG() {
		char, err := i.fromPNG(c)
		if err == nil && char != nil {
			return char, nil
		}
		if err != nil {
			pngErr = err
			i.logger.Warn("png card extraction failed",
				slog.String("file", c.Name),
				slog.String("error", err.Error()))
		}
	}

	if c.isJSON() {
		char, err := i.normalizer.Normalize(c.Data)
		if err != nil {
			return nil, domain.NewUnsupportedFormatError("invalid JSON character card", err)
		}
		return char, nil
	}

	if errors.Is(pngErr, domain.ErrFormat) {
		return nil, pngErr
	}
	return nil, domain.NewUnsupportedFormatError("unsupported format or invalid character card", pngErr)
}

// fromPNG returns (nil, nil) when the container has no card chunk.
func (i *Importer) fromPNG(c *RawContainer) (*domain.Character, error) {
	rec, err := pngchunk.Scan(c.Data)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	raw, err := DecodeEmbedded(rec.Payload)
	if err != nil {
		return nil, err
	}
	char, err := i.normalizer.Normalize(raw)
	if err != nil {
		return nil, err
	}

	char.Avatar = c.dataURI()
	return char, nil
}
