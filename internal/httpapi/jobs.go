package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"meshd/internal/apperr"
	"meshd/internal/common/fsutil"
	"meshd/internal/jobs"
	"meshd/internal/model"
	"meshd/internal/scheduler"
	"meshd/pkg/types"
)

// defaultArtifactKey is the result entry download serves when ?key= is
// absent.
const defaultArtifactKey = "output_mesh_path"

// submit handles POST /jobs (feature == "") and the per-feature routes,
// where the route fixes the feature.
//
//	@Summary	Submit a job
//	@Tags		jobs
//	@Accept		json
//	@Produce	json
//	@Param		body	body		types.SubmitRequest	true	"job"
//	@Success	202		{object}	types.SubmitResponse
//	@Failure	400		{object}	types.ErrorResponse
//	@Failure	404		{object}	types.ErrorResponse
//	@Failure	429		{object}	types.ErrorResponse
//	@Router		/api/v1/jobs [post]
func (s *server) submit(feature model.FeatureType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, apperr.KindValidation, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
		var body types.SubmitRequest
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, apperr.KindValidation, "request body too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, apperr.KindValidation, "invalid JSON body")
			return
		}
		req, err := toRequest(body, feature)
		if err != nil {
			observeSubmission(string(feature), err)
			writeError(w, err)
			return
		}
		j, err := s.svc.Submit(r.Context(), req)
		observeSubmission(string(req.Feature), err)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Location", "/api/v1/system/jobs/"+j.ID)
		writeJSON(w, http.StatusAccepted, types.SubmitResponse{JobID: j.ID, Status: string(j.Status)})
	}
}

func toRequest(body types.SubmitRequest, route model.FeatureType) (scheduler.Request, error) {
	feature := route
	if body.FeatureType != "" {
		f, err := model.ParseFeature(body.FeatureType)
		if err != nil {
			return scheduler.Request{}, apperr.Validation("%v", err)
		}
		if route != "" && f != route {
			return scheduler.Request{}, apperr.Validation("feature_type %s does not match route %s", f, route)
		}
		feature = f
	}
	if feature == "" {
		return scheduler.Request{}, apperr.Validation("feature_type is required")
	}
	if body.DeadlineSeconds < 0 || math.IsNaN(body.DeadlineSeconds) || math.IsInf(body.DeadlineSeconds, 0) {
		return scheduler.Request{}, apperr.Validation("deadline_seconds must be a non-negative number")
	}
	return scheduler.Request{
		Feature:         feature,
		ModelPreference: strings.TrimSpace(body.ModelPreference),
		Inputs:          model.Inputs(body.Inputs),
		Deadline:        time.Duration(body.DeadlineSeconds * float64(time.Second)),
	}, nil
}

// listJobs handles GET /system/jobs?status=QUEUED,RUNNING&feature=&model=&limit=.
func (s *server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f jobs.Filter
	for _, v := range splitCSV(q.Get("status")) {
		st, err := jobs.ParseStatus(v)
		if err != nil {
			writeError(w, err)
			return
		}
		f.Status = append(f.Status, st)
	}
	if v := q.Get("feature"); v != "" {
		feat, err := model.ParseFeature(v)
		if err != nil {
			writeError(w, apperr.Validation("%v", err))
			return
		}
		f.Feature = feat
	}
	f.ModelID = q.Get("model")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, apperr.Validation("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	list := s.svc.Jobs(f)
	out := types.JobsResponse{Jobs: make([]types.JobStatus, 0, len(list))}
	for _, j := range list {
		out.Jobs = append(out.Jobs, jobView(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.svc.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j))
}

func (s *server) getResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := s.svc.Result(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.JobResult{JobID: id, Result: out})
}

// cancelJob handles DELETE /system/jobs/{id}. It answers with the job as it
// is after the request; a RUNNING job may still be RUNNING with
// cancel_requested set.
func (s *server) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j))
}

// download streams a file named by a string entry of a completed job's
// result.
func (s *server) download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := r.URL.Query().Get("key")
	if key == "" {
		key = defaultArtifactKey
	}
	out, err := s.svc.Result(id)
	if err != nil {
		writeError(w, err)
		return
	}
	path, ok := out[key].(string)
	if !ok || path == "" {
		writeError(w, apperr.NotFound("job %s has no artifact %q", id, key))
		return
	}
	if s.opts.OutputDir != "" && !fsutil.Within(s.opts.OutputDir, path) {
		writeError(w, apperr.NotFound("artifact %q is not downloadable", key))
		return
	}
	if _, err := fsutil.RegularFile(path); err != nil {
		writeError(w, apperr.NotFound("artifact %q is missing", key))
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeError(w, apperr.Internal("open artifact: %v", err))
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		writeError(w, apperr.Internal("stat artifact: %v", err))
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeContent(w, r, filepath.Base(path), fi.ModTime(), f)
}

func jobView(j jobs.Job) types.JobStatus {
	return types.JobStatus{
		JobID:           j.ID,
		Status:          string(j.Status),
		Progress:        j.Progress,
		FeatureType:     string(j.Feature),
		ModelID:         j.ModelID,
		Error:           j.Error,
		ErrorKind:       string(j.ErrorKind),
		Attempts:        j.Attempts,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt,
		StartedAt:       timePtr(j.StartedAt),
		FinishedAt:      timePtr(j.FinishedAt),
		Deadline:        timePtr(j.Deadline),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
