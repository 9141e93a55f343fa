package health

import (
	"context"
	"testing"
)

func TestRegistry_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(ctx context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("gateway", func(ctx context.Context) Status {
		return Status{Name: "gateway", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("expected aggregate healthy")
	}
	if len(statuses) != 2 {
		t.Errorf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistry_OneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(ctx context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("gateway", func(ctx context.Context) Status {
		return Status{Name: "gateway", Healthy: false, Detail: "timeout"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("expected aggregate unhealthy")
	}
	found := false
	for _, s := range statuses {
		if s.Name == "gateway" && !s.Healthy && s.Detail == "timeout" {
			found = true
		}
	}
	if !found {
		t.Error("gateway failure not reported")
	}
}

func TestRegistry_DefaultsStatusName(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(ctx context.Context) Status {
		return Status{Healthy: true}
	})

	_, statuses := r.CheckAll(context.Background())
	if len(statuses) != 1 || statuses[0].Name != "database" {
		t.Errorf("expected registered name on status, got %+v", statuses)
	}
}

func TestRegistry_CheckContextHasDeadline(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", func(ctx context.Context) Status {
		if _, ok := ctx.Deadline(); !ok {
			return Status{Name: "slow", Healthy: false, Detail: "no deadline"}
		}
		return Status{Name: "slow", Healthy: true}
	})

	healthy, _ := r.CheckAll(context.Background())
	if !healthy {
		t.Error("checker should see a bounded context")
	}
}

func TestRegistry_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Error("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("expected no statuses, got %d", len(statuses))
	}
}
