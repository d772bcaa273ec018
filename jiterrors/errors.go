package jiterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Memory (M) Errors
var (
	ErrUnmappedAccess  = errors.New("M1|UnmappedAccess: Access to a guest address outside any mapping.")
	ErrProtectionFault = errors.New("M2|ProtectionFault: Access violates the page permissions.")
	ErrMappingConflict = errors.New("M3|MappingConflict: Range overlaps a mapping with incompatible permissions.")
	ErrOutOfRange      = errors.New("M4|OutOfRange: Range lies outside the supported address space.")
	ErrUnaligned       = errors.New("M5|Unaligned: Mapping address or length is not page aligned.")
)

// Decode (D) Errors
var (
	ErrUndefinedInstruction = errors.New("D1|UndefinedInstruction: Guest instruction is malformed or unsupported.")
	ErrEmptyFunction        = errors.New("D2|EmptyFunction: No guest instruction could be translated.")
)

// Pipeline (P) Errors. These are defects, never guest-recoverable.
var (
	ErrInternal        = errors.New("P1|Internal: Translation pipeline defect.")
	ErrInvalidIR       = errors.New("P2|InvalidIR: IR operand types violate the opcode contract.")
	ErrOutOfSpillSlots = errors.New("P3|OutOfSpillSlots: Register allocator exhausted the spill area.")
	ErrEncoding        = errors.New("P4|Encoding: Operand has no encoding on the target.")
	ErrNoTarget        = errors.New("P5|NoTarget: Host target is not supported.")
)

// Execution (E) Errors
var (
	ErrBudgetExhausted   = errors.New("E1|BudgetExhausted: Instruction budget exhausted.")
	ErrNativeUnavailable = errors.New("E2|NativeUnavailable: Native execution is not available on this host.")
)

// Fault is a typed guest fault: one of the sentinel errors above plus the offending guest address.
type Fault struct {
	Err  error
	Addr uint64
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s (addr 0x%x)", f.Err.Error(), f.Addr)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault builds a Fault for sentinel err at addr.
func NewFault(err error, addr uint64) *Fault {
	return &Fault{Err: err, Addr: addr}
}

// FaultAddr returns the guest address carried by err, if any.
func FaultAddr(err error) (uint64, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Addr, true
	}
	return 0, false
}

// IsGuestFault reports whether err should be delivered to the guest rather than treated as a defect.
func IsGuestFault(err error) bool {
	for _, s := range []error{ErrUnmappedAccess, ErrProtectionFault, ErrUndefinedInstruction} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// Internal wraps a pipeline defect.
func Internal(format string, args ...interface{}) error {
	return fmt.Errorf("%w %s", ErrInternal, fmt.Sprintf(format, args...))
}

func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if name, ok := parseName(e.Error()); ok && isSentinel(e) {
			return name
		}
	}
	name, _ := parseName(err.Error())
	return name
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if isSentinel(e) {
			return strings.SplitN(e.Error(), "|", 2)[0]
		}
	}
	return ""
}

func parseName(errStr string) (string, bool) {
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr, false
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0]), true
}

var sentinels = []error{
	ErrUnmappedAccess, ErrProtectionFault, ErrMappingConflict, ErrOutOfRange, ErrUnaligned,
	ErrUndefinedInstruction, ErrEmptyFunction,
	ErrInternal, ErrInvalidIR, ErrOutOfSpillSlots, ErrEncoding, ErrNoTarget,
	ErrBudgetExhausted, ErrNativeUnavailable,
}

func isSentinel(err error) bool {
	for _, s := range sentinels {
		if err == s {
			return true
		}
	}
	return false
}
