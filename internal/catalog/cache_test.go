package catalog

import (
	"testing"
	"time"
)

func TestSpecCache_FreshHit(t *testing.T) {
	c := NewSpecCache(30 * time.Second)
	c.Set("listCustomers", &ToolSpec{Name: "listCustomers"})

	result := c.Get("listCustomers")
	if !result.Hit {
		t.Fatal("expected cache hit")
	}
	if result.NeedsRefresh {
		t.Fatal("expected fresh, got needs refresh")
	}
	if result.Spec.Name != "listCustomers" {
		t.Fatalf("expected listCustomers, got %s", result.Spec.Name)
	}
}

func TestSpecCache_Miss(t *testing.T) {
	c := NewSpecCache(30 * time.Second)
	result := c.Get("nonexistent")
	if result.Hit {
		t.Fatal("expected miss")
	}
	if result.Spec != nil {
		t.Fatal("expected nil spec on miss")
	}
}

func TestSpecCache_NegativeCache(t *testing.T) {
	c := NewSpecCache(30 * time.Second)
	c.Set("unknown_tool", nil) // negative cache

	result := c.Get("unknown_tool")
	if !result.Hit {
		t.Fatal("expected cache hit for negative cache")
	}
	if result.Spec != nil {
		t.Fatal("expected nil spec for negative cache")
	}
}

func TestSpecCache_StaleHit_ReturnsValueAndSignalsRefresh(t *testing.T) {
	c := NewSpecCache(1 * time.Millisecond)
	c.Set("bulkExport", &ToolSpec{Name: "bulkExport"})

	time.Sleep(5 * time.Millisecond)

	result := c.Get("bulkExport")
	if !result.Hit {
		t.Fatal("expected stale hit")
	}
	if !result.NeedsRefresh {
		t.Fatal("expected needs refresh on stale")
	}
	if result.Spec.Name != "bulkExport" {
		t.Fatalf("expected bulkExport, got %s", result.Spec.Name)
	}
}

func TestSpecCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	c := NewSpecCache(1 * time.Millisecond)
	c.Set("bulkExport", &ToolSpec{Name: "bulkExport"})

	time.Sleep(5 * time.Millisecond)

	refreshCount := 0
	for i := 0; i < 10; i++ {
		result := c.Get("bulkExport")
		if result.NeedsRefresh {
			refreshCount++
		}
	}
	if refreshCount != 1 {
		t.Fatalf("expected exactly 1 refresh signal, got %d", refreshCount)
	}
}

func TestSpecCache_SetAfterStale_ResetsFreshness(t *testing.T) {
	c := NewSpecCache(1 * time.Millisecond)
	c.Set("bulkExport", &ToolSpec{Name: "bulkExport"})

	time.Sleep(5 * time.Millisecond)

	c.Set("bulkExport", &ToolSpec{Name: "bulkExport", UITool: true})

	result := c.Get("bulkExport")
	if !result.Hit {
		t.Fatal("expected hit after re-set")
	}
	if result.NeedsRefresh {
		t.Fatal("expected fresh after re-set")
	}
	if !result.Spec.UITool {
		t.Fatal("expected updated spec")
	}
}

func TestSpecCache_Delete(t *testing.T) {
	c := NewSpecCache(30 * time.Second)
	c.Set("tool_a", &ToolSpec{Name: "tool_a"})
	c.Delete("tool_a")

	result := c.Get("tool_a")
	if result.Hit {
		t.Fatal("expected miss after delete")
	}
}
