package apiServer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/stormlightlabs/pds/pkg/cidutil"
	"github.com/stormlightlabs/pds/pkg/repo"
)

const carContentType = "application/vnd.ipld.car"

type commitBody struct {
	Cid string `json:"cid"`
	Rev string `json:"rev"`
}

type recordRefBody struct {
	Uri    string     `json:"uri"`
	Cid    string     `json:"cid"`
	Commit commitBody `json:"commit"`
}

func refBody(ref *repo.RecordRef) recordRefBody {
	return recordRefBody{
		Uri:    ref.Uri,
		Cid:    ref.Cid.String(),
		Commit: commitBody{Cid: ref.Commit.Cid.String(), Rev: ref.Commit.Rev},
	}
}

type writeRecordRequest struct {
	Repo       string          `json:"repo"`
	Collection string          `json:"collection"`
	Rkey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record"`
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var req writeRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: err.Error()})
		return
	}

	ref, err := s.engine.CreateRecord(r.Context(), req.Repo, req.Collection, req.Record, req.Rkey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refBody(ref))
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	var req writeRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: err.Error()})
		return
	}

	ref, err := s.engine.PutRecord(r.Context(), req.Repo, req.Collection, req.Rkey, req.Record)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refBody(ref))
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	var req writeRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: err.Error()})
		return
	}

	ref, err := s.engine.DeleteRecord(r.Context(), req.Repo, req.Collection, req.Rkey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commit": commitBody{Cid: ref.Cid.String(), Rev: ref.Rev},
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref, value, err := s.engine.GetRecord(r.Context(), q.Get("repo"), q.Get("collection"), q.Get("rkey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uri":   ref.Uri,
		"cid":   ref.Cid.String(),
		"value": value,
	})
}

func (s *Server) handleDescribeRepo(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.Describe(r.Context(), r.URL.Query().Get("repo"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	archive, err := s.engine.ExportRepo(r.Context(), r.URL.Query().Get("did"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", carContentType)
	w.Write(archive)
}

func (s *Server) handleGetBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var cids []cid.Cid
	for _, raw := range strings.Split(q.Get("cids"), ",") {
		if raw == "" {
			continue
		}
		c, err := cidutil.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: err.Error()})
			return
		}
		cids = append(cids, c)
	}
	if len(cids) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "no cids supplied"})
		return
	}

	archive, err := s.engine.ExportBlocks(r.Context(), q.Get("did"), cids)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", carContentType)
	w.Write(archive)
}

// handleSubscribeRepos streams DAG-CBOR frames, each prefixed with a
// varint length. There is no replay: a cursor behind the current sequence
// is refused because events are not retained after transmission.
func (s *Server) handleSubscribeRepos(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "NotImplemented", Message: "firehose disabled"})
		return
	}

	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "bad cursor"})
			return
		}
		if cursor < s.hub.CurrentSeq() {
			writeJSON(w, http.StatusConflict, errorBody{
				Error:   "OutdatedCursor",
				Message: fmt.Sprintf("cursor %d predates the live tail; events are not retained", cursor),
			})
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "InternalError", Message: "streaming unsupported"})
		return
	}

	sub := s.hub.Subscribe(64)
	defer sub.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-sub.Events():
			if !open {
				return
			}
			if _, err := w.Write(varint.ToUvarint(uint64(len(frame)))); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	c, size, err := s.blobs.Put(r.Context(), r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"blob": map[string]any{"cid": c.String(), "size": size},
	})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	c, err := cidutil.Parse(r.URL.Query().Get("cid"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := s.blobs.Get(r.Context(), c, w); err != nil {
		s.log.Error("stream blob", "cid", c, "error", err)
	}
}
