package tavern

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/litetavern/internal/card"
	"github.com/tjfontaine/litetavern/internal/domain"
	"github.com/tjfontaine/litetavern/internal/server"
)

// multipartOverhead leaves room for form boundaries and headers around the file.
const multipartOverhead = 1 << 20

// CharacterList is the response for listing characters.
type CharacterList struct {
	Characters []*domain.Character `json:"characters"`
}

// handleImportCharacter accepts either a multipart form with a "file" field or
// a raw body whose name comes from the "filename" query parameter.
func (a *API) handleImportCharacter(w http.ResponseWriter, r *http.Request) {
	c, err := a.readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "filename", c.Name)

	char, err := a.importer.Import(r.Context(), c)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.chars.SaveCharacter(r.Context(), char); err != nil {
		writeError(w, r, err)
		return
	}

	server.AddLogField(r.Context(), "character_id", char.ID)
	a.logger.Info("character imported",
		slog.String("character_id", char.ID),
		slog.String("name", char.Name),
		slog.String("format", string(char.Provenance.OriginalFormat)))
	writeJSON(w, http.StatusCreated, char)
}

func (a *API) readUpload(w http.ResponseWriter, r *http.Request) (*card.RawContainer, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBytes+multipartOverhead)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		name := r.URL.Query().Get("filename")
		if name == "" {
			return nil, badRequest("filename query parameter is required for raw uploads", nil)
		}
		return card.ReadContainer(name, r.Header.Get("Content-Type"), r.Body, a.maxBytes)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, badRequest("invalid multipart body", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, badRequest("missing file field", nil)
		}
		if err != nil {
			return nil, badRequest("invalid multipart body", err)
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		defer part.Close()
		return card.ReadContainer(part.FileName(), part.Header.Get("Content-Type"), part, a.maxBytes)
	}
}

func (a *API) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	chars, err := a.chars.ListCharacters(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CharacterList{Characters: chars})
}

func (a *API) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	char, err := a.chars.GetCharacter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, char)
}

func (a *API) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	if err := a.chars.DeleteCharacter(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
