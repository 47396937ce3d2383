package fsm

import (
	"fsmdb/internal/common"
	"fsmdb/internal/fsmerr"
)

// BatchMode selects how a batch handles a failing op. Neither mode is
// transactional: ops that already committed stay committed regardless
// of what happens to later ops in the same batch.
type BatchMode string

const (
	BatchAtomic     BatchMode = "atomic"
	BatchBestEffort BatchMode = "best_effort"
)

// BatchOp is one operation inside a BATCH request. Exactly one of the
// three request fields should be set.
type BatchOp struct {
	CreateInstance *CreateInstanceRequest
	ApplyEvent     *ApplyEventRequest
	DeleteInstance *string
}

// BatchOpResult is the per-op outcome within a BatchResult.
type BatchOpResult struct {
	Index    int                `json:"index"`
	OK       bool               `json:"ok"`
	Instance *Instance          `json:"instance,omitempty"`
	Applied  *ApplyEventResult  `json:"applied,omitempty"`
	Error    *fsmerr.Error      `json:"error,omitempty"`
}

// BatchResult is the BATCH response: per-op outcomes plus whether the
// batch stopped early (atomic mode hitting its first error).
type BatchResult struct {
	Results []BatchOpResult `json:"results"`
	Partial bool            `json:"partial"`
}

// Batch applies up to MaxBatchOps operations in order. In atomic mode
// it stops at the first failing op (Partial=true, remaining ops never
// attempted); in best_effort mode every op is attempted and every
// outcome recorded.
func (e *Engine) Batch(mode BatchMode, ops []BatchOp) (BatchResult, error) {
	if len(ops) == 0 {
		return BatchResult{}, fsmerr.New(fsmerr.BadRequest, "batch must contain at least one operation")
	}
	if len(ops) > common.MaxBatchOps {
		return BatchResult{}, fsmerr.Newf(fsmerr.BadRequest, "batch exceeds max_batch_ops (%d)", common.MaxBatchOps)
	}

	result := BatchResult{Results: make([]BatchOpResult, 0, len(ops))}
	for i, op := range ops {
		opResult, err := e.applyBatchOp(op)
		opResult.Index = i
		if err != nil {
			opResult.OK = false
			if fe, ok := err.(*fsmerr.Error); ok {
				opResult.Error = fe
			} else {
				opResult.Error = fsmerr.Wrap(fsmerr.CodeOf(err), err.Error(), err)
			}
			result.Results = append(result.Results, opResult)
			if mode == BatchAtomic {
				result.Partial = true
				return result, nil
			}
			continue
		}
		opResult.OK = true
		result.Results = append(result.Results, opResult)
	}
	return result, nil
}

func (e *Engine) applyBatchOp(op BatchOp) (BatchOpResult, error) {
	switch {
	case op.CreateInstance != nil:
		inst, err := e.CreateInstance(*op.CreateInstance)
		if err != nil {
			return BatchOpResult{}, err
		}
		return BatchOpResult{Instance: &inst}, nil
	case op.ApplyEvent != nil:
		applied, err := e.ApplyEvent(*op.ApplyEvent)
		if err != nil {
			return BatchOpResult{}, err
		}
		return BatchOpResult{Applied: &applied}, nil
	case op.DeleteInstance != nil:
		if err := e.DeleteInstance(*op.DeleteInstance); err != nil {
			return BatchOpResult{}, err
		}
		return BatchOpResult{}, nil
	default:
		return BatchOpResult{}, fsmerr.New(fsmerr.BadRequest, "batch op has no operation set")
	}
}
