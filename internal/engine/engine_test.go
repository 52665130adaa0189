package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"renderq/internal/cache"
	"renderq/internal/config"
	"renderq/internal/db"
	"renderq/internal/domain"
	"renderq/internal/engine"
	"renderq/internal/migrate"
	"renderq/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Cache  *cache.Memory
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := cache.NewMemory(128, time.Minute)
	eng := engine.New(conn, config.Default(), store)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.InsertUser(ctx, domain.User{
		ID:        "user-1",
		Name:      "Tester",
		Role:      "user",
		Balance:   100,
		CreatedAt: "2025-06-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return testEnv{Engine: eng, Cache: store, Ctx: ctx}
}

func seedWorkflow(t *testing.T, env testEnv, wf domain.Workflow) domain.Workflow {
	t.Helper()
	if wf.ID == "" {
		wf.ID = "wf-1"
	}
	if wf.Name == "" {
		wf.Name = "generate"
	}
	if wf.Inputs == nil {
		wf.Inputs = map[string]domain.Input{}
	}
	wf.CreatedAt = "2025-06-01T00:00:00Z"
	if err := env.Engine.Repo.InsertWorkflow(env.Ctx, wf); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	return wf
}

func f64(v float64) *float64 { return &v }

func TestAdmitSingleTask(t *testing.T) {
	env := newTestEnv(t)
	wf := seedWorkflow(t, env, domain.Workflow{
		BaseCost: 10,
		Inputs: map[string]domain.Input{
			"steps": {Type: domain.InputNumber, CostPerUnit: 2},
		},
	})
	task, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID,
		Inputs:     map[string]any{"steps": float64(3)},
		UserID:     "user-1",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if task.Status != domain.StatusQueuing {
		t.Fatalf("status = %s, want queuing", task.Status)
	}
	if task.ParentID != nil {
		t.Fatalf("single admission must not have a parent")
	}
	if task.Cost != 16 {
		t.Fatalf("cost = %v, want 16", task.Cost)
	}
	events, err := env.Engine.Repo.ListTaskEvents(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Status != domain.StatusQueuing {
		t.Fatalf("expected one queuing event, got %v", events)
	}
	u, err := env.Engine.Repo.GetUser(env.Ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Balance != 84 {
		t.Fatalf("balance = %v, want 84", u.Balance)
	}
}

func TestAdmitBatchCreatesParentAndChildren(t *testing.T) {
	env := newTestEnv(t)
	wf := seedWorkflow(t, env, domain.Workflow{
		BaseCost:  1,
		SeedField: "seed",
		Inputs: map[string]domain.Input{
			"seed":   {Type: domain.InputSeed},
			"prompt": {Type: domain.InputString},
		},
	})
	parent, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID,
		Inputs:     map[string]any{"seed": float64(42), "prompt": []any{"a", "b"}},
		Repeat:     3,
		UserID:     "user-1",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if parent.Status != domain.StatusParent {
		t.Fatalf("root status = %s, want parent", parent.Status)
	}
	if parent.Cost != 6 {
		t.Fatalf("parent cost = %v, want 6 (unit 1 x repeat 3 x batch 2)", parent.Cost)
	}
	children, err := env.Engine.Repo.ListChildren(env.Ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 6 {
		t.Fatalf("children = %d, want 6", len(children))
	}
	seeds := map[int64]bool{}
	for _, c := range children {
		if c.Status != domain.StatusQueuing {
			t.Fatalf("child status = %s, want queuing", c.Status)
		}
		if c.Cost != 1 {
			t.Fatalf("child cost = %v, want unit cost 1", c.Cost)
		}
		n, ok := c.InputValues["seed"].(float64)
		if !ok {
			t.Fatalf("child seed missing: %v", c.InputValues)
		}
		seeds[int64(n)] = true
		if prompt, ok := c.InputValues["prompt"].(string); !ok || (prompt != "a" && prompt != "b") {
			t.Fatalf("child prompt not scalarized: %v", c.InputValues["prompt"])
		}
	}
	if len(seeds) != 6 {
		t.Fatalf("expected 6 distinct seeds, got %d", len(seeds))
	}
	for s := int64(42); s < 48; s++ {
		if !seeds[s] {
			t.Fatalf("seed %d missing from %v", s, seeds)
		}
	}
}

func TestAdmitRepeatOrdersPassesByWeight(t *testing.T) {
	env := newTestEnv(t)
	wf := seedWorkflow(t, env, domain.Workflow{})
	parent, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID,
		Inputs:     map[string]any{},
		Repeat:     3,
		UserID:     "user-1",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	children, err := env.Engine.Repo.ListChildren(env.Ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("children = %d, want 3", len(children))
	}
	weights := map[float64]bool{}
	for _, c := range children {
		weights[c.Weight] = true
	}
	if len(weights) != 3 {
		t.Fatalf("expected 3 distinct weights, got %v", weights)
	}
}

func TestAdmitValidation(t *testing.T) {
	env := newTestEnv(t)
	wf := seedWorkflow(t, env, domain.Workflow{
		Inputs: map[string]domain.Input{
			"steps":  {Type: domain.InputNumber, Min: f64(1), Max: f64(50)},
			"prompt": {Type: domain.InputString, Required: true},
			"images": {Type: domain.InputFile},
		},
	})
	cases := []struct {
		name   string
		inputs map[string]any
	}{
		{"missing required", map[string]any{"steps": float64(10)}},
		{"below minimum", map[string]any{"prompt": "x", "steps": float64(0)}},
		{"above maximum", map[string]any{"prompt": "x", "steps": float64(51)}},
		{"array element out of range", map[string]any{"prompt": "x", "steps": []any{float64(10), float64(99)}}},
		{"empty file collection", map[string]any{"prompt": "x", "images": []any{}}},
		{"not a number", map[string]any{"prompt": "x", "steps": "ten"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
				WorkflowID: wf.ID,
				Inputs:     tc.inputs,
				UserID:     "user-1",
			})
			var ve engine.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	// No rows may survive a rejected admission.
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{WorkflowID: wf.ID})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected admissions left %d tasks", len(tasks))
	}
}

func TestAdmitAppliesDefaults(t *testing.T) {
	env := newTestEnv(t)
	wf := seedWorkflow(t, env, domain.Workflow{
		Inputs: map[string]domain.Input{
			"steps": {Type: domain.InputNumber, Default: float64(20)},
		},
	})
	task, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID,
		Inputs:     map[string]any{},
		UserID:     "user-1",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if v, ok := task.InputValues["steps"].(float64); !ok || v != 20 {
		t.Fatalf("default not applied: %v", task.InputValues)
	}
}

func TestAdmitInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	wf := seedWorkflow(t, env, domain.Workflow{BaseCost: 150})
	_, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID,
		Inputs:     map[string]any{},
		UserID:     "user-1",
	})
	var be engine.InsufficientBalanceError
	if !errors.As(err, &be) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if be.Need != 150 || be.Have != 100 {
		t.Fatalf("need/have = %v/%v", be.Need, be.Have)
	}
	// Balance untouched, no task rows.
	u, _ := env.Engine.Repo.GetUser(env.Ctx, "user-1")
	if u.Balance != 100 {
		t.Fatalf("balance = %v after rejection", u.Balance)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{WorkflowID: wf.ID})
	if len(tasks) != 0 {
		t.Fatalf("rejection left %d tasks", len(tasks))
	}
}

func TestAdmitUnlimitedUserNotCharged(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.InsertUser(env.Ctx, domain.User{
		ID: "svc", Name: "svc", Role: "user", Balance: domain.UnlimitedBalance, CreatedAt: "2025-06-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	wf := seedWorkflow(t, env, domain.Workflow{BaseCost: 1000})
	if _, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID,
		Inputs:     map[string]any{},
		UserID:     "svc",
	}); err != nil {
		t.Fatalf("unlimited admit: %v", err)
	}
	u, _ := env.Engine.Repo.GetUser(env.Ctx, "svc")
	if !u.Unlimited() {
		t.Fatalf("unlimited balance was charged: %v", u.Balance)
	}
}

func TestAdmitUnlimitedTokenSkipsCharge(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.InsertToken(env.Ctx, domain.Token{
		ID: "tok-1", UserID: "user-1", KeyHash: repo.HashToken("secret"),
		Balance: domain.UnlimitedBalance, CreatedAt: "2025-06-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	wf := seedWorkflow(t, env, domain.Workflow{BaseCost: 1000})
	if _, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID,
		Inputs:     map[string]any{},
		UserID:     "user-1",
		TokenID:    "tok-1",
	}); err != nil {
		t.Fatalf("token admit: %v", err)
	}
	u, _ := env.Engine.Repo.GetUser(env.Ctx, "user-1")
	if u.Balance != 100 {
		t.Fatalf("user charged despite unlimited token: %v", u.Balance)
	}
}

func TestAdmitForeignTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.InsertUser(env.Ctx, domain.User{
		ID: "user-2", Name: "other", Role: "user", Balance: 100, CreatedAt: "2025-06-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := env.Engine.Repo.InsertToken(env.Ctx, domain.Token{
		ID: "tok-2", UserID: "user-2", KeyHash: repo.HashToken("other"),
		Balance: domain.UnlimitedBalance, CreatedAt: "2025-06-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	wf := seedWorkflow(t, env, domain.Workflow{})
	_, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID,
		Inputs:     map[string]any{},
		UserID:     "user-1",
		TokenID:    "tok-2",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "token" {
		t.Fatalf("expected token ownership rejection, got %v", err)
	}
}

func TestRecordTransition(t *testing.T) {
	env := newTestEnv(t)
	wf := seedWorkflow(t, env, domain.Workflow{})
	task, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID, Inputs: map[string]any{}, UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	worker := "worker-7"
	for _, status := range []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusSuccess} {
		task, err = env.Engine.RecordTransition(env.Ctx, engine.TransitionOptions{
			TaskID: task.ID, Status: status, ClientID: &worker,
		})
		if err != nil {
			t.Fatalf("to %s: %v", status, err)
		}
		if task.Status != status {
			t.Fatalf("status = %s, want %s", task.Status, status)
		}
	}
	if task.ClientID == nil || *task.ClientID != worker {
		t.Fatalf("client id not recorded")
	}
	events, err := env.Engine.Repo.ListTaskEvents(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4 (queuing + 3 transitions)", len(events))
	}
	last, err := env.Engine.Repo.LatestEventByStatus(env.Ctx, task.ID, domain.StatusSuccess)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if last.Status != domain.StatusSuccess || last.TS == "" {
		t.Fatalf("latest = %+v", last)
	}
	// invalid target status is rejected
	if _, err := env.Engine.RecordTransition(env.Ctx, engine.TransitionOptions{TaskID: task.ID, Status: "done"}); err == nil {
		t.Fatalf("expected invalid status rejection")
	}
	if _, err := env.Engine.RecordTransition(env.Ctx, engine.TransitionOptions{TaskID: task.ID, Status: domain.StatusParent}); err == nil {
		t.Fatalf("expected parent status rejection")
	}
}

func TestRecordTransitionRejectsParentTask(t *testing.T) {
	env := newTestEnv(t)
	wf := seedWorkflow(t, env, domain.Workflow{})
	parent, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID, Inputs: map[string]any{}, Repeat: 2, UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := env.Engine.RecordTransition(env.Ctx, engine.TransitionOptions{
		TaskID: parent.ID, Status: domain.StatusRunning,
	}); err == nil {
		t.Fatalf("expected parent task dispatch rejection")
	}
}

func TestEffectiveStatusFoldsChildren(t *testing.T) {
	env := newTestEnv(t)
	wf := seedWorkflow(t, env, domain.Workflow{})
	parent, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID, Inputs: map[string]any{}, Repeat: 2, UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	children, _ := env.Engine.Repo.ListChildren(env.Ctx, parent.ID)
	if len(children) != 2 {
		t.Fatalf("children = %d", len(children))
	}
	eff, err := env.Engine.EffectiveStatus(env.Ctx, parent)
	if err != nil || eff != domain.StatusQueuing {
		t.Fatalf("fresh batch effective = %s (%v), want queuing", eff, err)
	}
	if _, err := env.Engine.RecordTransition(env.Ctx, engine.TransitionOptions{TaskID: children[0].ID, Status: domain.StatusRunning}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	eff, _ = env.Engine.EffectiveStatus(env.Ctx, parent)
	if eff != domain.StatusRunning {
		t.Fatalf("effective = %s, want running while any child runs", eff)
	}
	if _, err := env.Engine.RecordTransition(env.Ctx, engine.TransitionOptions{TaskID: children[0].ID, Status: domain.StatusFailed}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := env.Engine.RecordTransition(env.Ctx, engine.TransitionOptions{TaskID: children[1].ID, Status: domain.StatusSuccess}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	eff, _ = env.Engine.EffectiveStatus(env.Ctx, parent)
	if eff != domain.StatusFailed {
		t.Fatalf("effective = %s, want failed when any child failed", eff)
	}
}

func TestDeleteTaskRemovesBatch(t *testing.T) {
	env := newTestEnv(t)
	wf := seedWorkflow(t, env, domain.Workflow{})
	parent, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID, Inputs: map[string]any{}, Repeat: 3, UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, parent.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{WorkflowID: wf.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("delete left %d tasks", len(tasks))
	}
	if err := env.Engine.DeleteTask(env.Ctx, parent.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete = %v, want not found", err)
	}
}

func TestNextQueuedPrefersLowestWeight(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.InsertUser(env.Ctx, domain.User{
		ID: "vip", Name: "vip", Role: "user", Balance: 100, WeightOffset: -5, CreatedAt: "2025-06-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	wf := seedWorkflow(t, env, domain.Workflow{})
	if _, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID, Inputs: map[string]any{}, UserID: "user-1",
	}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	fast, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID, Inputs: map[string]any{}, UserID: "vip",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	next, err := env.Engine.Repo.NextQueued(env.Ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.ID != fast.ID {
		t.Fatalf("next = %s, want the negative-offset submission %s", next.ID, fast.ID)
	}
}

func TestTransitionEmitsTaskStatusSignal(t *testing.T) {
	env := newTestEnv(t)
	wf := seedWorkflow(t, env, domain.Workflow{})
	task, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID, Inputs: map[string]any{}, UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	got := make(chan []byte, 1)
	cancel := env.Cache.On(cache.CategoryTaskStatus, task.ID, func(data []byte) {
		select {
		case got <- data:
		default:
		}
	})
	defer cancel()
	if _, err := env.Engine.RecordTransition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, Status: domain.StatusRunning,
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	select {
	case data := <-got:
		if len(data) == 0 {
			t.Fatalf("empty signal payload")
		}
	case <-time.After(time.Second):
		t.Fatalf("no task status signal delivered")
	}
}

func TestDeleteEmitsUserHistorySignal(t *testing.T) {
	env := newTestEnv(t)
	wf := seedWorkflow(t, env, domain.Workflow{})
	task, err := env.Engine.AdmitTask(env.Ctx, engine.AdmitOptions{
		WorkflowID: wf.ID, Inputs: map[string]any{}, UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	got := make(chan []byte, 1)
	cancel := env.Cache.On(cache.CategoryUserHistory, "user-1", func(data []byte) {
		select {
		case got <- data:
		default:
		}
	})
	defer cancel()
	if err := env.Engine.DeleteTask(env.Ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case data := <-got:
		if len(data) == 0 {
			t.Fatalf("empty signal payload")
		}
	case <-time.After(time.Second):
		t.Fatalf("no user history signal delivered")
	}
}
