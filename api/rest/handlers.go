package rest

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/sysarray/internal/mediator"
	"yqhp/sysarray/internal/parallel"
	"yqhp/sysarray/internal/system"
)

// healthCheck handles GET /health and /api/v1/health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Node:      s.config.Node,
		Systems:   s.array.Len(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// listSystems handles GET /api/v1/systems
func (s *Server) listSystems(c *fiber.Ctx) error {
	stats := s.statsByName()
	systems := s.array.Systems()

	out := make([]SystemResponse, 0, len(systems))
	for _, sys := range systems {
		out = append(out, toSystemResponse(sys, stats[sys.Name()]))
	}
	return c.JSON(SystemListResponse{Systems: out, Total: len(out)})
}

// getSystem handles GET /api/v1/systems/:id
func (s *Server) getSystem(c *fiber.Ctx) error {
	sys, ok := s.array.System(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "System not found: " + c.Params("id"),
		})
	}
	return c.JSON(toSystemResponse(sys, s.statsByName()[sys.Name()]))
}

// listRoles handles GET /api/v1/roles
func (s *Server) listRoles(c *fiber.Ctx) error {
	names := s.array.RoleNames()
	roles := make([]RoleResponse, 0, len(names))
	for _, name := range names {
		systems, err := s.array.RoleSystems(name)
		if err != nil {
			continue
		}
		roles = append(roles, RoleResponse{Name: name, Systems: systemNames(systems)})
	}
	return c.JSON(RoleListResponse{Roles: roles, Known: s.array.KnownRoles()})
}

// getRole handles GET /api/v1/roles/:name
func (s *Server) getRole(c *fiber.Ctx) error {
	name := c.Params("name")
	systems, err := s.array.RoleSystems(name)
	if err != nil {
		return err
	}
	return c.JSON(RoleResponse{Name: name, Systems: systemNames(systems)})
}

// getStats handles GET /api/v1/stats
func (s *Server) getStats(c *fiber.Ctx) error {
	resp := StatsResponse{
		Rounds:   s.array.Rounds(),
		InFlight: s.array.InFlight(),
	}
	if s.pending != nil {
		resp.Pending = len(s.pending.PendingInvocations())
	}
	return c.JSON(resp)
}

// listPending handles GET /api/v1/pending
func (s *Server) listPending(c *fiber.Ctx) error {
	if s.pending == nil {
		return fiber.NewError(fiber.StatusNotFound, "node is not a mediator")
	}
	pending := s.pending.PendingInvocations()
	if pending == nil {
		pending = []mediator.PendingInvocation{}
	}
	return c.JSON(PendingListResponse{Pending: pending, Total: len(pending)})
}

func (s *Server) statsByName() map[string]parallel.SystemStats {
	stats := s.array.Stats()
	out := make(map[string]parallel.SystemStats, len(stats))
	for _, st := range stats {
		out[st.Name] = st
	}
	return out
}

func systemNames(systems []*system.System) []string {
	names := make([]string, 0, len(systems))
	for _, sys := range systems {
		names = append(names, sys.Name())
	}
	return names
}

func toSystemResponse(sys *system.System, st parallel.SystemStats) SystemResponse {
	d := sys.Descriptor()
	roles := sys.Roles()
	if roles == nil {
		roles = []string{}
	}
	return SystemResponse{
		ID:               sys.ID(),
		Name:             sys.Name(),
		Transport:        d.Transport,
		Address:          d.Address,
		Capability:       sys.Capability().String(),
		Connected:        sys.Connected(),
		Roles:            roles,
		PerformanceIndex: sys.PerformanceIndex(),
		Samples:          st.Samples,
		MeanMicros:       st.MeanMicros,
		P50Micros:        st.P50Micros,
		P99Micros:        st.P99Micros,
	}
}
