// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/cachet-dev/cachet/internal/engine"
	"github.com/cachet-dev/cachet/internal/retrieve"
	"github.com/cachet-dev/cachet/pkg/health"
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "put-document",
		Method:      http.MethodPost,
		Path:        "/api/v1/documents",
		Summary:     "Store a document",
		Tags:        []string{"documents"},
	}, s.handlePutDocument)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/api/v1/documents/{id}",
		Summary:     "Read a document",
		Tags:        []string{"documents"},
	}, s.handleGetDocument)

	huma.Register(s.api, huma.Operation{
		OperationID: "delete-document",
		Method:      http.MethodDelete,
		Path:        "/api/v1/documents/{id}",
		Summary:     "Delete a document from every tier",
		Tags:        []string{"documents"},
	}, s.handleDeleteDocument)

	huma.Register(s.api, huma.Operation{
		OperationID: "retrieve",
		Method:      http.MethodPost,
		Path:        "/api/v1/retrieve",
		Summary:     "Retrieve context chunks for a query",
		Tags:        []string{"retrieval"},
	}, s.handleRetrieve)

	huma.Register(s.api, huma.Operation{
		OperationID: "start-scan",
		Method:      http.MethodPost,
		Path:        "/api/v1/scans",
		Summary:     "Start a background sensitive-data scan",
		Tags:        []string{"scans"},
	}, s.handleStartScan)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-scan",
		Method:      http.MethodGet,
		Path:        "/api/v1/scans/{id}",
		Summary:     "Poll scan progress",
		Tags:        []string{"scans"},
	}, s.handleGetScan)

	huma.Register(s.api, huma.Operation{
		OperationID: "verify-audit",
		Method:      http.MethodGet,
		Path:        "/api/v1/audit/verify",
		Summary:     "Verify the audit chain",
		Tags:        []string{"audit"},
	}, s.handleVerifyAudit)

	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/api/v1/health",
		Summary:     "Store health snapshot",
		Tags:        []string{"system"},
	}, s.handleHealth)
}

// --- Request/Response types ---

type putDocumentInput struct {
	Body struct {
		ID        string            `json:"id" minLength:"1" doc:"Document identifier"`
		Content   string            `json:"content" minLength:"1" doc:"Document text"`
		DomainTag string            `json:"domain_tag" minLength:"1" doc:"Partitioning domain"`
		Metadata  map[string]string `json:"metadata,omitempty" doc:"Free-form metadata"`
	}
}
type putDocumentOutput struct {
	Body engine.PutResult
}

type documentIDInput struct {
	ID string `path:"id"`
}
type getDocumentOutput struct {
	Body engine.GetResult
}

type deleteDocumentInput struct {
	ID     string `path:"id"`
	Secure bool   `query:"secure" doc:"Overwrite blob bytes before unlinking"`
}
type deleteDocumentOutput struct {
	Body engine.DeleteReport
}

type retrieveInput struct {
	Body struct {
		Query       string `json:"query" minLength:"1" doc:"Query text"`
		TokenBudget int    `json:"token_budget" minimum:"1" doc:"Maximum tokens in the result"`
	}
}
type retrieveOutput struct {
	Body retrieve.Result
}

type startScanOutput struct {
	Body struct {
		JobID string `json:"job_id" doc:"Poll /api/v1/scans/{id} with this"`
	}
}

type getScanOutput struct {
	Body engine.ScanStatus
}

type verifyAuditOutput struct {
	Body struct {
		OK       bool  `json:"ok"`
		Checked  int64 `json:"checked"`
		BrokenAt int64 `json:"broken_at,omitempty"`
	}
}

type healthOutput struct {
	Body health.Report
}

// --- Handlers ---

func (s *Server) handlePutDocument(ctx context.Context, input *putDocumentInput) (*putDocumentOutput, error) {
	res, err := s.engine.Put(ctx, principalFrom(ctx), engine.Document{
		ID:        input.Body.ID,
		Content:   input.Body.Content,
		DomainTag: input.Body.DomainTag,
		Metadata:  input.Body.Metadata,
	})
	if err != nil {
		return nil, statusError(err)
	}
	return &putDocumentOutput{Body: res}, nil
}

func (s *Server) handleGetDocument(ctx context.Context, input *documentIDInput) (*getDocumentOutput, error) {
	res, err := s.engine.Get(ctx, principalFrom(ctx), input.ID)
	if err != nil {
		return nil, statusError(err)
	}
	return &getDocumentOutput{Body: res}, nil
}

func (s *Server) handleDeleteDocument(ctx context.Context, input *deleteDocumentInput) (*deleteDocumentOutput, error) {
	var report engine.DeleteReport
	var err error
	if input.Secure {
		report, err = s.engine.SecureDelete(ctx, principalFrom(ctx), input.ID)
	} else {
		report, err = s.engine.Delete(ctx, principalFrom(ctx), input.ID)
	}
	if err != nil {
		return nil, statusError(err)
	}
	return &deleteDocumentOutput{Body: report}, nil
}

func (s *Server) handleRetrieve(ctx context.Context, input *retrieveInput) (*retrieveOutput, error) {
	res, err := s.engine.Retrieve(ctx, principalFrom(ctx), input.Body.Query, input.Body.TokenBudget)
	if err != nil {
		return nil, statusError(err)
	}
	return &retrieveOutput{Body: res}, nil
}

func (s *Server) handleStartScan(ctx context.Context, _ *struct{}) (*startScanOutput, error) {
	jobID, err := s.engine.ScanForSensitiveData(ctx, principalFrom(ctx))
	if err != nil {
		return nil, statusError(err)
	}
	out := &startScanOutput{}
	out.Body.JobID = jobID
	return out, nil
}

func (s *Server) handleGetScan(_ context.Context, input *documentIDInput) (*getScanOutput, error) {
	status, err := s.engine.ScanStatus(input.ID)
	if err != nil {
		return nil, statusError(err)
	}
	return &getScanOutput{Body: status}, nil
}

func (s *Server) handleVerifyAudit(ctx context.Context, _ *struct{}) (*verifyAuditOutput, error) {
	verdict, err := s.engine.VerifyAudit(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	out := &verifyAuditOutput{}
	out.Body.OK = verdict.OK
	out.Body.Checked = verdict.Checked
	out.Body.BrokenAt = verdict.BrokenAt
	return out, nil
}

func (s *Server) handleHealth(ctx context.Context, _ *struct{}) (*healthOutput, error) {
	report, err := s.engine.Health(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	return &healthOutput{Body: report}, nil
}
