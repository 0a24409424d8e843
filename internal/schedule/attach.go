package schedule

import (
	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// ComputeAt nests the loops of producer inside loop axis of consumer, so the producer
// computes only the region the consumer needs per iteration of axis.
//
// A producer that reads consumer, directly or through other stages, or a consumer
// already nested inside producer, would form a cycle and is rejected with
// ErrAttachCycle. The consumer must read producer directly; attaching at a stage that
// only reaches producer through other stages is rejected with ErrInvalidTransform.
func (s *Schedule) ComputeAt(producer, consumer StageID, axis AxisID) error {
	pst, err := s.computeStage("compute_at", producer)
	if err != nil {
		return err
	}
	cst, err := s.computeStage("compute_at", consumer)
	if err != nil {
		return err
	}
	if producer == consumer {
		return s.fail(errors.Wrapf(errs.ErrAttachCycle, "compute_at: %s attached to itself", pst.tensor.Name))
	}
	if s.dependsOn(producer, consumer) {
		return s.fail(errors.Wrapf(errs.ErrAttachCycle, "compute_at: %s reads %s", pst.tensor.Name, cst.tensor.Name))
	}
	for at := cst.attach; at != nil; at = s.stages[at.stage].attach {
		if at.stage == producer {
			return s.fail(errors.Wrapf(errs.ErrAttachCycle, "compute_at: %s is nested inside %s",
				cst.tensor.Name, pst.tensor.Name))
		}
	}
	if !lo.Contains(s.Reads(consumer), producer) {
		return s.fail(errors.Wrapf(errs.ErrInvalidTransform, "compute_at: %s does not read %s",
			cst.tensor.Name, pst.tensor.Name))
	}
	if pst.output {
		return s.fail(errors.Wrapf(errs.ErrInvalidTransform, "compute_at: output %s cannot be attached", pst.tensor.Name))
	}
	if _, err := s.liveLeaf("compute_at", cst, axis); err != nil {
		return s.fail(err)
	}
	pst.attach = &attachment{stage: consumer, axis: axis}
	return nil
}

// ComputeRoot undoes ComputeAt: the producer gets its own top-level loop nest again.
func (s *Schedule) ComputeRoot(id StageID) error {
	st, err := s.computeStage("compute_root", id)
	if err != nil {
		return err
	}
	st.attach = nil
	return nil
}
