package auth

import (
	"errors"
	"fmt"
	"strings"

	"freelanco/internal/config"
	"freelanco/internal/domain"
)

// Roles held by well-known addresses.
const (
	RoleOwner       = "owner"
	RoleGuardian    = "guardian"
	RoleCoordinator = "vrf_coordinator"
	RoleTransmitter = "transmitter"
	RoleGovernor    = "governor"
)

// NotOwnerError is returned when a privileged mutator is called by anyone but
// the governance executor.
type NotOwnerError struct {
	Caller string
	Owner  string
}

func (e NotOwnerError) Error() string {
	return domain.ErrNotOwner.Error()
}

func (e NotOwnerError) Is(target error) bool {
	return target == domain.ErrNotOwner
}

// ForbiddenError indicates the caller lacks a protocol role.
type ForbiddenError struct {
	Role   string
	Caller string
	Reason error
}

func (e ForbiddenError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("%s: %s is not %s", e.Reason, e.Caller, e.Role)
	}
	return fmt.Sprintf("role %s required", e.Role)
}

func (e ForbiddenError) Unwrap() error { return e.Reason }

// Service resolves caller identities against the configured addresses.
type Service struct {
	Config *config.Config
}

func normalize(addr string) string {
	return strings.TrimSpace(addr)
}

// RequireOwner fails unless caller is the timelock executing governance calls.
func (s Service) RequireOwner(caller string) error {
	if s.Config == nil {
		return errors.New("auth: config not loaded")
	}
	owner := s.Config.Addresses.Timelock
	if normalize(caller) != owner {
		return NotOwnerError{Caller: caller, Owner: owner}
	}
	return nil
}

// RequireCoordinator fails unless caller is the randomness service.
func (s Service) RequireCoordinator(caller string) error {
	if s.Config == nil || normalize(caller) != s.Config.Addresses.VRFCoordinator {
		return ForbiddenError{Role: RoleCoordinator, Caller: caller, Reason: domain.ErrOnlyCoordinator}
	}
	return nil
}

// RequireTransmitter fails unless caller is a registered oracle transmitter.
func (s Service) RequireTransmitter(caller string) error {
	if s.Config != nil {
		for _, t := range s.Config.Compute.Transmitters {
			if normalize(caller) == t {
				return nil
			}
		}
	}
	return ForbiddenError{Role: RoleTransmitter, Caller: caller, Reason: domain.ErrUnauthorizedTransmitter}
}

// IsGuardian reports whether caller may cancel any proposal.
func (s Service) IsGuardian(caller string) bool {
	return s.Config != nil && s.Config.Addresses.Guardian != "" && normalize(caller) == s.Config.Addresses.Guardian
}

// Roles lists the protocol roles held by caller.
func (s Service) Roles(caller string) []string {
	if s.Config == nil {
		return nil
	}
	var roles []string
	a := s.Config.Addresses
	switch normalize(caller) {
	case a.Timelock:
		roles = append(roles, RoleOwner)
	case a.Governor:
		roles = append(roles, RoleGovernor)
	case a.VRFCoordinator:
		roles = append(roles, RoleCoordinator)
	}
	if s.IsGuardian(caller) {
		roles = append(roles, RoleGuardian)
	}
	if s.RequireTransmitter(caller) == nil {
		roles = append(roles, RoleTransmitter)
	}
	return roles
}

// IsProtocolAddress reports whether addr is one of the configured protocol
// accounts or transmitters. Such addresses never log in as end users.
func (s Service) IsProtocolAddress(addr string) bool {
	if s.Config == nil {
		return false
	}
	addr = normalize(addr)
	if addr == "" {
		return false
	}
	a := s.Config.Addresses
	for _, known := range []string{a.Escrow, a.Treasury, a.Issuer, a.Governor, a.Timelock,
		a.Reputation, a.Guardian, a.VRFCoordinator, a.OracleVoter} {
		if known != "" && addr == known {
			return true
		}
	}
	return s.RequireTransmitter(addr) == nil
}
