package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sports-movement/analysis-server/pkg/types"
)

const protobufContentType = "application/x-protobuf"

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	files, err := s.deps.Store.ListResults()
	if err != nil {
		s.log.Error("List results failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Could not list results")
		return
	}
	writeJSON(w, map[string]any{
		"results": files,
		"count":   len(files),
	})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if wantsProtobuf(r) {
		s.writeResultProtobuf(w, name)
		return
	}

	path, err := s.deps.Store.ResultPath(name)
	if err != nil {
		writeError(w, http.StatusNotFound, types.ErrResultNotFound.Error())
		return
	}
	http.ServeFile(w, r, path)
}

// writeResultProtobuf encodes a stored document as google.protobuf.Struct.
func (s *Server) writeResultProtobuf(w http.ResponseWriter, name string) {
	if !strings.HasSuffix(name, ".json") {
		writeError(w, http.StatusNotAcceptable, "Only analysis documents are available as protobuf")
		return
	}

	doc, err := s.deps.Store.ReadResult(name)
	if errors.Is(err, types.ErrResultNotFound) {
		writeError(w, http.StatusNotFound, types.ErrResultNotFound.Error())
		return
	}
	if err != nil {
		s.log.Error("Read result %s failed: %v", name, err)
		writeError(w, http.StatusInternalServerError, "Could not read result")
		return
	}

	st, err := structpb.NewStruct(doc)
	if err != nil {
		s.log.Error("Convert result %s failed: %v", name, err)
		writeError(w, http.StatusInternalServerError, "Could not encode result")
		return
	}
	data, err := proto.Marshal(st)
	if err != nil {
		s.log.Error("Marshal result %s failed: %v", name, err)
		writeError(w, http.StatusInternalServerError, "Could not encode result")
		return
	}

	w.Header().Set("Content-Type", protobufContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, protobufContentType)
}
