package pending

import (
	"sync"
	"testing"
	"time"

	"device-farm/internal/shared/model"
)

func TestAdmitAndRemove(t *testing.T) {
	r := NewRegistry()

	id1 := r.Admit(&model.CapabilitySet{Platform: model.PlatformAndroid})
	id2 := r.Admit(&model.CapabilitySet{Platform: model.PlatformIOS})

	if id1 == "" || id2 == "" {
		t.Fatal("Admit 应返回非空 ID")
	}
	if id1 == id2 {
		t.Fatalf("关联 ID 重复: %s", id1)
	}
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}

	got := r.Get(id1)
	if got == nil || got.Capabilities.Platform != model.PlatformAndroid {
		t.Fatalf("Get(%s) = %+v", id1, got)
	}

	r.Remove(id1)
	if r.Get(id1) != nil {
		t.Error("Remove 后仍能查到登记项")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}

	// 重复摘除是空操作
	r.Remove(id1)
	if r.Count() != 1 {
		t.Errorf("重复 Remove 后 Count() = %d, want 1", r.Count())
	}
}

func TestPurgeOlderThan(t *testing.T) {
	r := NewRegistry()

	base := time.Now()
	r.nowFunc = func() time.Time { return base }

	oldID := r.Admit(&model.CapabilitySet{})

	r.nowFunc = func() time.Time { return base.Add(2 * time.Minute) }
	freshID := r.Admit(&model.CapabilitySet{})

	r.nowFunc = func() time.Time { return base.Add(3 * time.Minute) }
	purged := r.PurgeOlderThan(90 * time.Second)

	if purged != 1 {
		t.Fatalf("PurgeOlderThan() = %d, want 1", purged)
	}
	if r.Get(oldID) != nil {
		t.Error("超时登记项未被清除")
	}
	if r.Get(freshID) == nil {
		t.Error("未超时登记项被误清除")
	}
}

func TestConcurrentAdmit(t *testing.T) {
	r := NewRegistry()

	const n = 50
	var wg sync.WaitGroup
	ids := make(chan string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.Admit(&model.CapabilitySet{})
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("并发 Admit 产生重复 ID: %s", id)
		}
		seen[id] = true
	}
	if r.Count() != n {
		t.Errorf("Count() = %d, want %d", r.Count(), n)
	}
}

func TestListReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Admit(&model.CapabilitySet{Platform: model.PlatformAndroid})
	r.Admit(&model.CapabilitySet{Platform: model.PlatformIOS})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() 返回 %d 项, want 2", len(list))
	}
	for _, p := range list {
		if p.CapabilityID == "" || p.CreatedAt == 0 {
			t.Errorf("登记项缺字段: %+v", p)
		}
	}
}
