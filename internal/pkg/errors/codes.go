package errors

import (
	"fmt"
	"net/http"
)

// Resource registration error codes.
const (
	CodeResourceDuplicate      = "RESOURCE_DUPLICATE"
	CodeResourceNotFound       = "RESOURCE_NOT_FOUND"
	CodeNoAssociatedInfra      = "NO_ASSOCIATED_INFRASTRUCTURE"
	CodeUnknownResourceKind    = "RESOURCE_KIND_UNKNOWN"
	CodeDanglingReference      = "DANGLING_REFERENCE"
	CodeChildDuplicate         = "CHILD_BLUEPRINT_DUPLICATE"
	CodeChildNotFound          = "CHILD_BLUEPRINT_NOT_FOUND"
	CodeProviderDataMismatch   = "PROVIDER_DATA_MISMATCH"
	CodeUnsupportedVIM         = "VIM_TYPE_UNSUPPORTED"
	CodeOperationNotSupported  = "OPERATION_NOT_SUPPORTED"
	CodeMultusPoolExhausted    = "MULTUS_POOL_EXHAUSTED"
	CodeUnknownPDUConfigurator = "PDU_CONFIGURATOR_UNKNOWN"
)

// Blueprint lifecycle error codes.
const (
	CodeBlueprintNotFound    = "BLUEPRINT_NOT_FOUND"
	CodeBlueprintCorrupted   = "BLUEPRINT_CORRUPTED"
	CodeBlueprintProtected   = "BLUEPRINT_PROTECTED"
	CodeBlueprintBusy        = "BLUEPRINT_BUSY"
	CodeInvalidPhase         = "BLUEPRINT_INVALID_PHASE"
	CodeUnknownBlueprintType = "BLUEPRINT_TYPE_UNKNOWN"
	CodeUnknownFunction      = "BLUEPRINT_FUNCTION_UNKNOWN"
	CodeInvalidRequest       = "INVALID_REQUEST"
)

// PDU error codes.
const (
	CodePDUNotFound = "PDU_NOT_FOUND"
	CodePDULocked   = "PDU_LOCKED"
	CodePDUExists   = "PDU_ALREADY_EXISTS"
)

// DuplicateResource reports a registration whose explicit ID is already taken.
func DuplicateResource(id string) *AppError {
	return Wrap(ErrDuplicateResource, CodeResourceDuplicate,
		fmt.Sprintf("resource %s is already registered", id), http.StatusConflict).
		WithParams(map[string]interface{}{"resource_id": id})
}

// ResourceNotFound reports a deregistration of an unknown resource.
func ResourceNotFound(id string) *AppError {
	return Wrap(ErrResourceNotFound, CodeResourceNotFound,
		fmt.Sprintf("resource %s is not registered", id), http.StatusNotFound).
		WithParams(map[string]interface{}{"resource_id": id})
}

// NoAssociatedInfrastructure reports an area with no reachable VIM or cluster.
func NoAssociatedInfrastructure(area int, cause error) *AppError {
	msg := fmt.Sprintf("area %d has no associated infrastructure", area)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return Wrap(ErrNoAssociatedInfrastructure, CodeNoAssociatedInfra, msg, http.StatusUnprocessableEntity).
		WithParams(map[string]interface{}{"area": area})
}

// UnknownResourceKind reports a persisted resource whose kind has no factory.
func UnknownResourceKind(kind string) *AppError {
	return Wrap(ErrUnknownResourceKind, CodeUnknownResourceKind,
		fmt.Sprintf("resource kind %q is not registered", kind), http.StatusInternalServerError)
}

// DanglingReference reports a reference to a resource missing from the registered set.
func DanglingReference(owner, id string) *AppError {
	return Wrap(ErrDanglingReference, CodeDanglingReference,
		fmt.Sprintf("%s references unregistered resource %s", owner, id), http.StatusInternalServerError).
		WithParams(map[string]interface{}{"owner": owner, "resource_id": id})
}

// DuplicateChild reports a child blueprint registered twice.
func DuplicateChild(id string) *AppError {
	return Wrap(ErrDuplicateChild, CodeChildDuplicate,
		fmt.Sprintf("child blueprint %s is already registered", id), http.StatusConflict)
}

// ChildNotFound reports a deregistration of an unknown child blueprint.
func ChildNotFound(id string) *AppError {
	return Wrap(ErrChildNotFound, CodeChildNotFound,
		fmt.Sprintf("child blueprint %s is not registered", id), http.StatusNotFound)
}

// BlueprintNotFound reports a missing blueprint document.
func BlueprintNotFound(id string) *AppError {
	return Wrap(ErrBlueprintNotFound, CodeBlueprintNotFound,
		fmt.Sprintf("blueprint %s not found", id), http.StatusNotFound)
}

// BlueprintCorrupted reports a mutating operation on a corrupted blueprint.
func BlueprintCorrupted(id string) *AppError {
	return Wrap(ErrBlueprintCorrupted, CodeBlueprintCorrupted,
		fmt.Sprintf("blueprint %s is corrupted and refuses mutating operations", id), http.StatusConflict)
}

// BlueprintProtected reports a destroy attempt on a protected blueprint.
func BlueprintProtected(id string) *AppError {
	return Wrap(ErrBlueprintProtected, CodeBlueprintProtected,
		fmt.Sprintf("blueprint %s is protected", id), http.StatusForbidden)
}

// BlueprintBusy reports a lock acquisition failure for a blueprint.
func BlueprintBusy(id string) *AppError {
	return Wrap(ErrBlueprintBusy, CodeBlueprintBusy,
		fmt.Sprintf("blueprint %s has an operation in flight", id), http.StatusConflict)
}

// InvalidPhase reports an operation started from the wrong lifecycle phase.
func InvalidPhase(id, phase, op string) *AppError {
	return Wrap(ErrInvalidPhase, CodeInvalidPhase,
		fmt.Sprintf("blueprint %s cannot %s while %s", id, op, phase), http.StatusConflict)
}

// UnknownBlueprintType reports a type tag with no registered definition.
func UnknownBlueprintType(typ string) *AppError {
	return Wrap(ErrUnknownBlueprintType, CodeUnknownBlueprintType,
		fmt.Sprintf("blueprint type %q is not registered", typ), http.StatusBadRequest)
}

// UnknownFunction reports a day-2 call to an undeclared function.
func UnknownFunction(typ, fn string) *AppError {
	return Wrap(ErrUnknownFunction, CodeUnknownFunction,
		fmt.Sprintf("blueprint type %q has no function %q", typ, fn), http.StatusBadRequest)
}

// UnsupportedVIM reports a VIM type with no registered provider constructor.
func UnsupportedVIM(vimType string) *AppError {
	return Wrap(ErrUnsupportedVIM, CodeUnsupportedVIM,
		fmt.Sprintf("no virtualization provider for vim type %q", vimType), http.StatusUnprocessableEntity)
}

// ProviderDataMismatch reports persisted provider data of the wrong type.
func ProviderDataMismatch(want, got string) *AppError {
	return Wrap(ErrProviderDataMismatch, CodeProviderDataMismatch,
		fmt.Sprintf("provider expects data type %q, stored %q", want, got), http.StatusInternalServerError)
}

// NotSupported reports an operation a provider does not implement.
func NotSupported(provider, op string) *AppError {
	return Wrap(ErrNotSupported, CodeOperationNotSupported,
		fmt.Sprintf("provider %s does not support %s", provider, op), http.StatusNotImplemented)
}

// PDUNotFound reports a missing PDU.
func PDUNotFound(name string) *AppError {
	return Wrap(ErrPDUNotFound, CodePDUNotFound,
		fmt.Sprintf("pdu %s not found", name), http.StatusNotFound)
}

// PDULocked reports a lock conflict on a PDU.
func PDULocked(name, holder string) *AppError {
	return Wrap(ErrPDULocked, CodePDULocked,
		fmt.Sprintf("pdu %s is locked by blueprint %s", name, holder), http.StatusConflict).
		WithParams(map[string]interface{}{"pdu": name, "locked_by": holder})
}

// MultusPoolExhausted reports a Multus network with no free address.
func MultusPoolExhausted(cluster, network string) *AppError {
	return Wrap(ErrMultusPoolExhausted, CodeMultusPoolExhausted,
		fmt.Sprintf("multus network %s on cluster %s has no free address", network, cluster), http.StatusConflict).
		WithParams(map[string]interface{}{"cluster": cluster, "network": network})
}

// UnknownPDUConfigurator reports a PDU type with no registered configurator.
func UnknownPDUConfigurator(pduType string) *AppError {
	return Wrap(ErrUnknownPDUConfigurator, CodeUnknownPDUConfigurator,
		fmt.Sprintf("no configurator registered for pdu type %q", pduType), http.StatusUnprocessableEntity)
}

// PDUExists reports an add of a PDU whose name is taken.
func PDUExists(name string) *AppError {
	return Wrap(ErrAlreadyExists, CodePDUExists,
		fmt.Sprintf("pdu %s already exists", name), http.StatusConflict)
}

// InvalidRequest reports a create model or day-2 body that fails to decode.
func InvalidRequest(msg string, cause error) *AppError {
	return Wrap(fmt.Errorf("%w: %w", ErrBadRequest, cause), CodeInvalidRequest, msg, http.StatusBadRequest)
}

// InvalidArgument reports a decoded request a blueprint type rejects.
func InvalidArgument(code, msg string) *AppError {
	return Wrap(ErrBadRequest, code, msg, http.StatusBadRequest)
}
