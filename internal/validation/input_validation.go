package validation

import (
	"fmt"
	"unicode/utf8"

	"github.com/denkhaus/pulse/internal/types"
)

// InputValidator provides validation for task creation requests
type InputValidator struct {
	MaxTypeLength    int
	MaxPayloadLength int
	MaxGroupIDLength int
}

// NewInputValidator creates a new input validator with default limits
func NewInputValidator() *InputValidator {
	return &InputValidator{
		MaxTypeLength:    200,
		MaxPayloadLength: 1 << 20, // payloads are opaque JSON by convention
		MaxGroupIDLength: 200,
	}
}

// ValidateCreateRequest validates a task creation request
func (v *InputValidator) ValidateCreateRequest(req types.CreateTaskRequest) error {
	if req.Type == "" {
		return fmt.Errorf("task type cannot be empty")
	}
	if utf8.RuneCountInString(req.Type) > v.MaxTypeLength {
		return fmt.Errorf("task type too long: %d characters (max: %d)",
			utf8.RuneCountInString(req.Type), v.MaxTypeLength)
	}
	if len(req.Payload) > v.MaxPayloadLength {
		return fmt.Errorf("payload too large: %d bytes (max: %d)",
			len(req.Payload), v.MaxPayloadLength)
	}
	if utf8.RuneCountInString(req.GroupID) > v.MaxGroupIDLength {
		return fmt.Errorf("group id too long: %d characters (max: %d)",
			utf8.RuneCountInString(req.GroupID), v.MaxGroupIDLength)
	}
	if req.Weight < 0 {
		return fmt.Errorf("weight must be positive, got %f", req.Weight)
	}
	return nil
}

// ValidateHierarchyRequest validates a whole hierarchy request. The request
// shape is a tree by construction; this checks every node and rejects
// pre-assigned parent references on nested nodes, which the materializer
// assigns itself.
func (v *InputValidator) ValidateHierarchyRequest(req types.CreateHierarchyRequest) error {
	if req.ParentTask.ParentTaskID != nil {
		return fmt.Errorf("hierarchy root cannot reference a parent task")
	}
	return v.validateHierarchyNode(req, 0)
}

func (v *InputValidator) validateHierarchyNode(node types.CreateHierarchyRequest, depth int) error {
	if err := v.ValidateCreateRequest(node.ParentTask); err != nil {
		return fmt.Errorf("node at depth %d: %w", depth, err)
	}
	for _, child := range node.ChildTasks {
		if child.ParentTask.ParentTaskID != nil {
			return fmt.Errorf("node at depth %d: nested tasks cannot pre-assign a parent", depth+1)
		}
		if err := v.validateHierarchyNode(child, depth+1); err != nil {
			return err
		}
	}
	return nil
}
