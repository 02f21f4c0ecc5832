package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"scribe/internal/scribe"
)

type createProjectRequest struct {
	ID       string `json:"id"`
	Title    string `json:"title" validate:"required,max=200"`
	Synopsis string `json:"synopsis"`
}

type saveResponse struct {
	Project *scribe.Project    `json:"project"`
	Report  *scribe.SaveReport `json:"report,omitempty"`
}

type targetRequest struct {
	Collection string `json:"collection" validate:"omitempty,oneof=characters locations plotPoints manuscripts gallery"`
	EntityID   string `json:"entityId" validate:"required_with=Collection"`
	Note       string `json:"note" validate:"max=200"`
}

func (t targetRequest) target() scribe.Target {
	return scribe.Target{Collection: t.Collection, EntityID: t.EntityID}
}

type assignRequest struct {
	Kind string `json:"kind" validate:"required,oneof=characters locations plotPoints"`
	ID   string `json:"id" validate:"required"`
}

func (s *Server) newSession() *scribe.Session {
	// Requests save explicitly; the autosave timer never fires on its own.
	return scribe.NewSession(s.projects, s.ledger, s.journal, s.logger, nil, time.Hour)
}

// edit opens a project owned by the caller, runs fn and saves the result.
func (s *Server) edit(ctx context.Context, projectID string, fn func(*scribe.Session) error) (*saveResponse, error) {
	sess := s.newSession()
	defer sess.Close(ctx)

	if err := s.open(ctx, sess, projectID); err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	report, err := sess.Save(ctx)
	if err != nil {
		return nil, err
	}
	return &saveResponse{Project: sess.Project(), Report: report}, nil
}

func (s *Server) open(ctx context.Context, sess *scribe.Session, projectID string) error {
	owner := s.projects.Owner(ctx)
	if owner == "" {
		return scribe.ErrNotAuthenticated
	}
	if err := sess.Open(ctx, projectID); err != nil {
		return err
	}
	if p := sess.Project(); p.OwnerID != "" && p.OwnerID != owner {
		return fmt.Errorf("project %s: %w", projectID, scribe.ErrNotOwner)
	}
	return nil
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.ListSummaries(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.projects.Owner(r.Context()) == "" {
		s.writeError(w, r, scribe.ErrNotAuthenticated)
		return
	}
	if req.ID == "" {
		req.ID = s.ids.New()
	}
	p := &scribe.Project{ID: req.ID, Title: req.Title, Synopsis: req.Synopsis}
	resp, err := s.save(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// save writes a complete project, replacing whatever the store holds. An
// existing project must belong to the caller.
func (s *Server) save(ctx context.Context, p *scribe.Project) (*saveResponse, error) {
	resp, err := s.edit(ctx, p.ID, func(sess *scribe.Session) error {
		return sess.Apply(ctx, func(cur *scribe.Project) error {
			owner, modified := cur.OwnerID, cur.LastModified
			*cur = *p.Clone()
			cur.OwnerID, cur.LastModified = owner, modified
			return nil
		})
	})
	if !errors.Is(err, scribe.ErrProjectNotFound) {
		return resp, err
	}

	sess := s.newSession()
	defer sess.Close(ctx)
	if err := sess.Create(ctx, p); err != nil {
		return nil, err
	}
	report, err := sess.Save(ctx)
	if err != nil {
		return nil, err
	}
	return &saveResponse{Project: sess.Project(), Report: report}, nil
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	sess := s.newSession()
	defer sess.Close(r.Context())

	if err := s.open(r.Context(), sess, chi.URLParam(r, "projectID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Project())
}

func (s *Server) putProject(w http.ResponseWriter, r *http.Request) {
	var p scribe.Project
	if err := s.decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if id := chi.URLParam(r, "projectID"); p.ID != id {
		s.writeError(w, r, &requestError{err: fmt.Errorf("body id %q does not match %q", p.ID, id)})
		return
	}
	resp, err := s.save(r.Context(), &p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	sess := s.newSession()
	defer sess.Close(r.Context())

	if err := s.open(r.Context(), sess, chi.URLParam(r, "projectID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := sess.Delete(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	sess := s.newSession()
	defer sess.Close(r.Context())
	if err := s.open(r.Context(), sess, projectID); err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	target := scribe.Target{Collection: q.Get("collection"), EntityID: q.Get("entity")}
	scope, err := target.Scope(projectID)
	if err != nil {
		s.writeError(w, r, &requestError{err: err})
		return
	}
	versions, err := s.ledger.ListVersions(r.Context(), scope)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []*scribe.VersionRecord{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var rec *scribe.VersionRecord
	_, err := s.edit(r.Context(), chi.URLParam(r, "projectID"), func(sess *scribe.Session) error {
		var err error
		rec, err = sess.Snapshot(r.Context(), req.target(), req.Note)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	versionID := chi.URLParam(r, "versionID")
	resp, err := s.edit(r.Context(), chi.URLParam(r, "projectID"), func(sess *scribe.Session) error {
		return sess.Restore(r.Context(), req.target(), versionID)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) mergeMemory(w http.ResponseWriter, r *http.Request) {
	var incoming scribe.MemoryCore
	if err := s.decode(r, &incoming); err != nil {
		s.writeError(w, r, err)
		return
	}
	var result *scribe.MergeResult
	_, err := s.edit(r.Context(), chi.URLParam(r, "projectID"), func(sess *scribe.Session) error {
		var err error
		result, err = sess.MergeMemory(r.Context(), incoming, "")
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) assignImage(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	galleryID := chi.URLParam(r, "galleryID")
	resp, err := s.edit(r.Context(), chi.URLParam(r, "projectID"), func(sess *scribe.Session) error {
		return sess.Apply(r.Context(), func(p *scribe.Project) error {
			return p.AssignImage(galleryID, scribe.EntityRef{Kind: req.Kind, ID: req.ID})
		})
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
