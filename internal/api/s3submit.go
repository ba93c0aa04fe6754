package api

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// Stager stores a raw file remotely and returns a reference the backend can fetch.
type Stager interface {
	Stage(ctx context.Context, caseID, name string, body io.Reader) (string, error)
}

// Registrar creates a job for an already staged file.
type Registrar interface {
	RegisterReference(ctx context.Context, caseID, fileRef, name string) (string, error)
}

// S3Submitter stages each file and registers it by reference, one job per file.
// The group fails as a whole if any file fails; jobs registered before the
// failure are logged so they can be cleaned up on the backend.
type S3Submitter struct {
	stager    Stager
	registrar Registrar
}

func NewS3Submitter(stager Stager, registrar Registrar) *S3Submitter {
	return &S3Submitter{stager: stager, registrar: registrar}
}

func (s *S3Submitter) Submit(ctx context.Context, caseID string, files []Upload) ([]string, error) {
	ids := make([]string, 0, len(files))
	for _, f := range files {
		id, err := s.submitOne(ctx, caseID, f)
		if err != nil {
			if len(ids) > 0 {
				log.Warn().Str("case_id", caseID).Strs("orphaned_job_ids", ids).Msg("group failed after partial registration")
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *S3Submitter) submitOne(ctx context.Context, caseID string, f Upload) (string, error) {
	if f.Open == nil {
		return "", fmt.Errorf("stage %s: no content", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", f.Name, err)
	}
	ref, err := s.stager.Stage(ctx, caseID, f.Name, rc)
	rc.Close()
	if err != nil {
		return "", err
	}
	return s.registrar.RegisterReference(ctx, caseID, ref, f.Name)
}
