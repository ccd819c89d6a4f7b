// Package persistence adapts the in-memory Job Queue and Flow Deployment
// Engine to the Persistence module's repositories: it translates
// queue.Job/deployment.Snapshot to db record types and back, and implements
// the queue.Persister / deployment.Persister best-effort write hooks. This
// is wiring glue with no single-file analogue elsewhere in the codebase —
// the in-memory domain types it translates from don't exist anywhere a
// repository could write through directly.
package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/db"
	"github.com/fluxmesh/orchestrator/internal/deployment"
	"github.com/fluxmesh/orchestrator/internal/queue"
	"github.com/fluxmesh/orchestrator/internal/repositories"
)

// JobStore implements queue.Persister against a JobRepository.
type JobStore struct {
	repo   repositories.JobRepository
	logger *zap.Logger
}

// NewJobStore creates a JobStore.
func NewJobStore(repo repositories.JobRepository, logger *zap.Logger) *JobStore {
	return &JobStore{repo: repo, logger: logger.Named("persistence_jobs")}
}

// SaveJob implements queue.Persister. Failures are logged, never fatal to
// the caller's in-memory transition (spec §6).
func (s *JobStore) SaveJob(j *queue.Job) {
	rec, err := jobToRecord(j)
	if err != nil {
		s.logger.Warn("failed to encode job record", zap.String("job_id", j.JobID), zap.Error(err))
		return
	}

	ctx := context.Background()
	if err := s.repo.Update(ctx, rec); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			if err := s.repo.Create(ctx, rec); err != nil {
				s.logger.Warn("failed to create job record", zap.String("job_id", j.JobID), zap.Error(err))
			}
			return
		}
		s.logger.Warn("failed to update job record", zap.String("job_id", j.JobID), zap.Error(err))
	}
}

// LoadPending fetches every non-terminal job row and converts it back to
// queue.Job, ready for queue.Queue.LoadPending.
func (s *JobStore) LoadPending(ctx context.Context) ([]*queue.Job, error) {
	recs, err := s.repo.ListNonTerminal(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]*queue.Job, 0, len(recs))
	for i := range recs {
		j, err := recordToJob(&recs[i])
		if err != nil {
			s.logger.Warn("failed to decode job record, skipping",
				zap.String("job_id", recs[i].JobID), zap.Error(err))
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func jobToRecord(j *queue.Job) (*db.JobRecord, error) {
	requirements, err := json.Marshal(j.Requirements)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(j.Result)
	if err != nil {
		return nil, err
	}

	return &db.JobRecord{
		JobID:          j.JobID,
		ClientID:       j.ClientID,
		AccountID:      j.AccountID,
		WorkspaceID:    j.WorkspaceID,
		DeploymentID:   j.DeploymentID,
		FlowNodeID:     j.FlowNodeID,
		Requirements:   string(requirements),
		Payload:        string(payload),
		TimeoutSeconds: j.TimeoutSeconds,
		Status:         string(j.Status),
		Attempts:       j.Attempts,
		EnqueuedAt:     j.EnqueuedAt,
		AssignedAt:     j.AssignedAt,
		CompletedAt:    j.CompletedAt,
		Result:         string(result),
		FailureReason:  j.FailureReason,
	}, nil
}

func recordToJob(rec *db.JobRecord) (*queue.Job, error) {
	var requirements queue.Requirements
	if err := json.Unmarshal([]byte(rec.Requirements), &requirements); err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal([]byte(rec.Payload), &payload); err != nil {
		return nil, err
	}

	return &queue.Job{
		JobID:          rec.JobID,
		ClientID:       rec.ClientID,
		AccountID:      rec.AccountID,
		WorkspaceID:    rec.WorkspaceID,
		DeploymentID:   rec.DeploymentID,
		FlowNodeID:     rec.FlowNodeID,
		Requirements:   requirements,
		Payload:        payload,
		TimeoutSeconds: rec.TimeoutSeconds,
		Status:         queue.StatusPending,
		EnqueuedAt:     rec.EnqueuedAt,
		Attempts:       rec.Attempts,
	}, nil
}

// DeploymentStore implements deployment.Persister against a
// DeploymentRepository.
type DeploymentStore struct {
	repo   repositories.DeploymentRepository
	logger *zap.Logger
}

// NewDeploymentStore creates a DeploymentStore.
func NewDeploymentStore(repo repositories.DeploymentRepository, logger *zap.Logger) *DeploymentStore {
	return &DeploymentStore{repo: repo, logger: logger.Named("persistence_deployments")}
}

// SaveDeployment implements deployment.Persister.
func (s *DeploymentStore) SaveDeployment(snap deployment.Snapshot) {
	rec, err := snapshotToRecord(snap)
	if err != nil {
		s.logger.Warn("failed to encode deployment record",
			zap.String("deployment_id", snap.DeploymentID), zap.Error(err))
		return
	}

	ctx := context.Background()
	if err := s.repo.Update(ctx, rec); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			if err := s.repo.Create(ctx, rec); err != nil {
				s.logger.Warn("failed to create deployment record",
					zap.String("deployment_id", snap.DeploymentID), zap.Error(err))
			}
			return
		}
		s.logger.Warn("failed to update deployment record",
			zap.String("deployment_id", snap.DeploymentID), zap.Error(err))
	}
}

// LoadNonTerminal fetches every deployment row left non-terminal by the
// prior process, for deployment.Registry.LoadFailed.
func (s *DeploymentStore) LoadNonTerminal(ctx context.Context) ([]*deployment.Deployment, error) {
	recs, err := s.repo.ListNonTerminal(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*deployment.Deployment, 0, len(recs))
	for i := range recs {
		d, err := recordToDeployment(&recs[i])
		if err != nil {
			s.logger.Warn("failed to decode deployment record, skipping",
				zap.String("deployment_id", recs[i].DeploymentID), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func snapshotToRecord(s deployment.Snapshot) (*db.DeploymentRecord, error) {
	nodes, err := json.Marshal(s.Nodes)
	if err != nil {
		return nil, err
	}
	connections, err := json.Marshal(s.Connections)
	if err != nil {
		return nil, err
	}
	nodeState, err := json.Marshal(s.NodeState)
	if err != nil {
		return nil, err
	}

	return &db.DeploymentRecord{
		DeploymentID:   s.DeploymentID,
		FlowID:         s.FlowID,
		Name:           s.Name,
		ClientID:       s.ClientID,
		WorkspaceID:    s.WorkspaceID,
		Nodes:          string(nodes),
		Connections:    string(connections),
		NodeState:      string(nodeState),
		Status:         string(s.Status),
		TotalCostCents: s.TotalCostCents,
		Error:          s.Error,
		CreatedAt:      s.CreatedAt,
		CompletedAt:    s.CompletedAt,
	}, nil
}

func recordToDeployment(rec *db.DeploymentRecord) (*deployment.Deployment, error) {
	var nodes []deployment.Node
	if err := json.Unmarshal([]byte(rec.Nodes), &nodes); err != nil {
		return nil, err
	}
	var connections []deployment.Connection
	if err := json.Unmarshal([]byte(rec.Connections), &connections); err != nil {
		return nil, err
	}
	var nodeState map[string]deployment.NodeState
	if err := json.Unmarshal([]byte(rec.NodeState), &nodeState); err != nil {
		return nil, err
	}

	states := make(map[string]*deployment.NodeState, len(nodeState))
	for id, st := range nodeState {
		v := st
		states[id] = &v
	}

	return &deployment.Deployment{
		DeploymentID: rec.DeploymentID,
		FlowID:       rec.FlowID,
		Name:         rec.Name,
		ClientID:     rec.ClientID,
		WorkspaceID:  rec.WorkspaceID,
		Nodes:        nodes,
		Connections:  connections,
		Status:       deployment.DeploymentStatus(rec.Status),
		NodeState:    states,
		NodeJobs:     make(map[string]string),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}
