package handlers

import (
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/chosung-battle/api-server/internal/dict"
)

// WordHandler は辞書APIによる単語の実在性確認を処理します
type WordHandler struct {
	dict *dict.Client
}

func NewWordHandler(d *dict.Client) *WordHandler {
	return &WordHandler{dict: d}
}

type validateWordRequest struct {
	Word string `json:"word"`
}

func (h *WordHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var in validateWordRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	word := strings.TrimSpace(in.Word)
	if word == "" {
		respondError(w, http.StatusBadRequest, "word required")
		return
	}

	res, err := h.dict.Validate(r.Context(), word)
	if err != nil {
		log.Printf("Validate word error (word=%s): %v", word, err)
		respondError(w, http.StatusInternalServerError, "dictionary lookup failed")
		return
	}
	if res.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"valid":       res.Valid,
		"word":        res.Word,
		"definitions": res.Definitions,
		"pos":         res.Pos,
		"length":      utf8.RuneCountInString(word),
	})
}
