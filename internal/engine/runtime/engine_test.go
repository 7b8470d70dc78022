package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/flintbot-021/flint-prod-sub003/internal/engine/interpolate"
	"github.com/flintbot-021/flint-prod-sub003/internal/models"
	"github.com/flintbot-021/flint-prod-sub003/internal/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// countingCollaborator 记录调用次数的桩协作者
type countingCollaborator struct {
	calls   atomic.Int64
	mu      sync.Mutex
	respond func(req models.ProcessRequest) models.ProcessResponse
	seen    []models.ProcessRequest
}

func (c *countingCollaborator) ProcessPrompt(_ context.Context, req models.ProcessRequest) models.ProcessResponse {
	c.calls.Add(1)
	c.mu.Lock()
	c.seen = append(c.seen, req)
	respond := c.respond
	c.mu.Unlock()
	return respond(req)
}

func succeedWith(outputs map[string]interface{}) func(models.ProcessRequest) models.ProcessResponse {
	return func(models.ProcessRequest) models.ProcessResponse {
		return models.ProcessResponse{Success: true, Outputs: outputs, ProcessingTime: time.Millisecond}
	}
}

func failWith(msg string) func(models.ProcessRequest) models.ProcessResponse {
	return func(models.ProcessRequest) models.ProcessResponse {
		return models.ProcessResponse{Success: false, Error: msg}
	}
}

func newTestEngine(t *testing.T, c Collaborator, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(utils.NewNopLogger())}, opts...)
	e := New(c, opts...)
	t.Cleanup(e.Dispose)
	return e
}

func nameSection() models.Section {
	return models.Section{ID: "q1", Type: models.SectionInput, Title: "Your Name", Order: 0, Settings: models.InputSettings{InputType: models.VarText}}
}

func scoreSection(prompt string) models.Section {
	return models.Section{
		ID:    "ai",
		Type:  models.SectionAILogic,
		Title: "Scoring",
		Order: 1,
		Settings: models.AILogicSettings{
			Prompt:          prompt,
			OutputVariables: []models.OutputDefinition{{Name: "score", Type: models.VarNumber}},
		},
	}
}

func resultSection(body string) models.Section {
	return models.Section{ID: "out", Type: models.SectionOutput, Title: "Result", Order: 2, Settings: models.OutputSettings{Headline: "Hi @your_name", Body: body}}
}

func TestEvaluateResolvesInputReference(t *testing.T) {
	e := newTestEngine(t, &countingCollaborator{respond: failWith("unused")})
	sections := []models.Section{
		nameSection(),
		{ID: "c1", Type: models.SectionContent, Order: 1, Settings: models.ContentSettings{Body: "Hello @your_name"}},
	}

	ev, err := e.Evaluate(context.Background(), sections, map[string]interface{}{"your_name": "Ada"})
	require.NoError(t, err)

	content, ok := ev.Section("c1")
	require.True(t, ok)
	assert.Equal(t, "Hello Ada", content.Text)
	assert.Equal(t, StatusReady, content.Status)
	assert.True(t, ev.Ready)

	ev, err = e.Evaluate(context.Background(), sections, map[string]interface{}{})
	require.NoError(t, err)
	content, _ = ev.Section("c1")
	assert.Equal(t, "Hello ", content.Text)
	assert.Equal(t, []string{"your_name"}, content.Unresolved)
}

func TestIdenticalInputsCallCollaboratorOnce(t *testing.T) {
	stub := &countingCollaborator{respond: succeedWith(map[string]interface{}{"score": 87})}
	e := newTestEngine(t, stub)
	sections := []models.Section{nameSection(), scoreSection("Score @your_name"), resultSection("Score: @score")}
	values := map[string]interface{}{"your_name": "Ada"}

	first, err := e.Evaluate(context.Background(), sections, values)
	require.NoError(t, err)
	second, err := e.Evaluate(context.Background(), sections, values)
	require.NoError(t, err)

	assert.Equal(t, int64(1), stub.calls.Load())
	out, _ := second.Section("out")
	assert.Equal(t, "Score: 87", out.Text)
	assert.Equal(t, "Hi Ada", out.Fields["headline"])

	ai1, _ := first.Section("ai")
	ai2, _ := second.Section("ai")
	assert.False(t, ai1.Cached)
	assert.True(t, ai2.Cached)
	assert.Equal(t, ai1.Fingerprint, ai2.Fingerprint)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, int64(1), stats.CollaboratorCalls)
	assert.Equal(t, 1, stats.CacheSize)
}

func TestConcurrentIdenticalEvaluationsShareOneCall(t *testing.T) {
	release := make(chan struct{})
	stub := &countingCollaborator{respond: func(models.ProcessRequest) models.ProcessResponse {
		<-release
		return models.ProcessResponse{Success: true, Outputs: map[string]interface{}{"score": 1}}
	}}
	e := newTestEngine(t, stub)
	sections := []models.Section{nameSection(), scoreSection("Score @your_name")}
	values := map[string]interface{}{"your_name": "Ada"}

	var wg sync.WaitGroup
	started := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			_, _ = e.Evaluate(context.Background(), sections, values)
		}()
	}
	for i := 0; i < 5; i++ {
		<-started
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), stub.calls.Load())
}

func TestUnreferencedValuesDoNotAffectFingerprint(t *testing.T) {
	stub := &countingCollaborator{respond: succeedWith(map[string]interface{}{"score": 5})}
	e := newTestEngine(t, stub)
	sections := []models.Section{
		nameSection(),
		{ID: "q2", Type: models.SectionInput, Title: "Email", Order: 0, Settings: models.InputSettings{}},
		scoreSection("Score @your_name"),
	}

	_, _ = e.Evaluate(context.Background(), sections, map[string]interface{}{"your_name": "Ada", "email": "a@x.io"})
	_, _ = e.Evaluate(context.Background(), sections, map[string]interface{}{"your_name": "Ada", "email": "b@y.io"})

	assert.Equal(t, int64(1), stub.calls.Load())
}

func TestFailureIsDegradedAndNotCached(t *testing.T) {
	stub := &countingCollaborator{respond: failWith("timeout")}
	e := newTestEngine(t, stub)
	sections := []models.Section{nameSection(), scoreSection("Score @your_name"), resultSection("Your score is @score.")}
	values := map[string]interface{}{"your_name": "Ada"}

	ev, err := e.Evaluate(context.Background(), sections, values)
	require.NoError(t, err)

	ai, _ := ev.Section("ai")
	assert.Equal(t, StatusDegraded, ai.Status)
	assert.Equal(t, "timeout", ai.Error)
	assert.Empty(t, ai.Outputs)

	out, _ := ev.Section("out")
	assert.Equal(t, "Your score is .", out.Text)
	assert.Equal(t, "Hi Ada", out.Fields["headline"])
	assert.Contains(t, out.Unresolved, "score")
	assert.Equal(t, StatusReady, out.Status)
	assert.Equal(t, []string{"ai"}, ev.Degraded())

	_, err = e.Evaluate(context.Background(), sections, values)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stub.calls.Load())
	assert.Equal(t, int64(2), e.Stats().Failures)
	assert.Equal(t, 0, e.Stats().CacheSize)

	stub.mu.Lock()
	stub.respond = succeedWith(map[string]interface{}{"score": 42})
	stub.mu.Unlock()

	ev, err = e.Evaluate(context.Background(), sections, values)
	require.NoError(t, err)
	out, _ = ev.Section("out")
	assert.Equal(t, "Your score is 42.", out.Text)
	assert.Equal(t, int64(3), stub.calls.Load())
}

func TestDistinctValuesGetDistinctEntries(t *testing.T) {
	stub := &countingCollaborator{}
	stub.respond = func(req models.ProcessRequest) models.ProcessResponse {
		return models.ProcessResponse{Success: true, Outputs: map[string]interface{}{"score": req.Variables["your_name"]}}
	}
	e := newTestEngine(t, stub)
	sections := []models.Section{nameSection(), scoreSection("Score @your_name"), resultSection("@score")}

	ada, _ := e.Evaluate(context.Background(), sections, map[string]interface{}{"your_name": "Ada"})
	grace, _ := e.Evaluate(context.Background(), sections, map[string]interface{}{"your_name": "Grace"})
	adaAgain, _ := e.Evaluate(context.Background(), sections, map[string]interface{}{"your_name": "Ada"})

	a, _ := ada.Section("ai")
	g, _ := grace.Section("ai")
	assert.NotEqual(t, a.Fingerprint, g.Fingerprint)
	assert.Equal(t, int64(2), stub.calls.Load())
	assert.Equal(t, 2, e.Stats().CacheSize)

	out, _ := adaAgain.Section("out")
	assert.Equal(t, "Ada", out.Text)
}

func TestSectionsNeverObserveLaterVariables(t *testing.T) {
	stub := &countingCollaborator{respond: succeedWith(map[string]interface{}{"score": 9})}
	e := newTestEngine(t, stub)
	sections := []models.Section{
		{ID: "c0", Type: models.SectionContent, Order: 0, Settings: models.ContentSettings{Body: "[@your_name][@score]"}},
		nameSection(),
		scoreSection("Use @your_name and @score"),
		resultSection("@your_name @score"),
	}
	sections[1].Order = 1
	sections[2].Order = 2
	sections[3].Order = 3

	ev, err := e.Evaluate(context.Background(), sections, map[string]interface{}{"your_name": "Ada", "score": 100})
	require.NoError(t, err)

	c0, _ := ev.Section("c0")
	assert.Equal(t, "[][]", c0.Text)
	assert.ElementsMatch(t, []string{"your_name", "score"}, c0.Unresolved)

	require.Len(t, stub.seen, 1)
	_, sawScore := stub.seen[0].Variables["score"]
	assert.False(t, sawScore, "AI section saw its own output")
	assert.Equal(t, "Ada", stub.seen[0].Variables["your_name"])

	out, _ := ev.Section("out")
	assert.Equal(t, "Ada 9", out.Text)
}

func TestRequiredInputBlocksLaterSections(t *testing.T) {
	stub := &countingCollaborator{respond: succeedWith(map[string]interface{}{"score": 1})}
	e := newTestEngine(t, stub)
	name := nameSection()
	name.Settings = models.InputSettings{InputType: models.VarText, Required: true}
	sections := []models.Section{name, scoreSection("Score @your_name"), resultSection("@score")}

	ev, err := e.Evaluate(context.Background(), sections, nil)
	require.NoError(t, err)

	q, _ := ev.Section("q1")
	assert.True(t, q.Missing)
	assert.Equal(t, StatusReady, q.Status)
	ai, _ := ev.Section("ai")
	assert.Equal(t, StatusBlocked, ai.Status)
	out, _ := ev.Section("out")
	assert.Equal(t, StatusBlocked, out.Status)
	assert.False(t, ev.Ready)
	assert.Equal(t, int64(0), stub.calls.Load())

	ev, err = e.Evaluate(context.Background(), sections, map[string]interface{}{"your_name": "Ada"})
	require.NoError(t, err)
	assert.True(t, ev.Ready)
	assert.Equal(t, int64(1), stub.calls.Load())
}

func TestInputDefaultIsUsed(t *testing.T) {
	e := newTestEngine(t, &countingCollaborator{respond: failWith("unused")})
	plan := models.Section{ID: "q", Type: models.SectionInput, Title: "Plan", Settings: models.InputSettings{Required: true, Default: "starter"}}
	sections := []models.Section{plan, {ID: "c", Type: models.SectionContent, Order: 1, Settings: models.ContentSettings{Body: "@plan|upper"}}}

	ev, err := e.Evaluate(context.Background(), sections, nil)
	require.NoError(t, err)

	c, _ := ev.Section("c")
	assert.Equal(t, "STARTER", c.Text)
	assert.True(t, ev.Ready)
}

func TestImageVariablesArePassedAndFingerprinted(t *testing.T) {
	stub := &countingCollaborator{respond: succeedWith(map[string]interface{}{"Caption": "a cat"})}
	e := newTestEngine(t, stub)
	sections := []models.Section{
		{ID: "photo", Type: models.SectionInput, Title: "Photo", Settings: models.InputSettings{InputType: models.VarImage}},
		{
			ID: "ai", Type: models.SectionAILogic, Order: 1,
			Settings: models.AILogicSettings{
				Prompt:          "Describe the photo",
				ImageVariables:  []string{"photo"},
				OutputVariables: []models.OutputDefinition{{Name: "caption"}},
			},
		},
		{ID: "out", Type: models.SectionOutput, Order: 2, Settings: models.OutputSettings{Body: "@caption"}},
	}

	ev1, _ := e.Evaluate(context.Background(), sections, map[string]interface{}{
		"photo": map[string]interface{}{"base64_data": "AAAA", "mime_type": "image/png"},
	})
	ev2, _ := e.Evaluate(context.Background(), sections, map[string]interface{}{
		"photo": models.ImageValue{Base64Data: "BBBB", MimeType: "image/png"},
	})

	require.Len(t, stub.seen, 2)
	assert.Equal(t, models.ImageValue{Base64Data: "AAAA", MimeType: "image/png"}, stub.seen[0].ImageVariables["photo"])
	out, _ := ev1.Section("out")
	assert.Equal(t, "a cat", out.Text)

	a, _ := ev1.Section("ai")
	b, _ := ev2.Section("ai")
	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
}

func TestSetValuePublishesEvents(t *testing.T) {
	e := newTestEngine(t, &countingCollaborator{respond: failWith("unused")})

	var events []models.UpdateEvent
	e.Subscribe([]string{"your_name"}, func(ev models.UpdateEvent) { events = append(events, ev) })

	assert.Equal(t, 1, e.SetValue("your_name", "Ada"))
	assert.Equal(t, 0, e.SetValue("your_name", "Ada"))
	assert.Equal(t, 0, e.SetValue("other", 1))

	require.Len(t, events, 1)
	assert.Equal(t, "Ada", events[0].NewValue)
	assert.Equal(t, map[string]interface{}{"your_name": "Ada", "other": 1}, e.Values())
}

func TestAIOutputsArePublished(t *testing.T) {
	stub := &countingCollaborator{respond: succeedWith(map[string]interface{}{"score": 3})}
	e := newTestEngine(t, stub)

	var got []interface{}
	e.Subscribe([]string{"score"}, func(ev models.UpdateEvent) { got = append(got, ev.NewValue) })

	sections := []models.Section{nameSection(), scoreSection("@your_name")}
	_, _ = e.Evaluate(context.Background(), sections, map[string]interface{}{"your_name": "Ada"})
	_, _ = e.Evaluate(context.Background(), sections, map[string]interface{}{"your_name": "Ada"})

	assert.Equal(t, []interface{}{3}, got)
}

func TestRefreshReevaluatesAffectedSubset(t *testing.T) {
	stub := &countingCollaborator{}
	stub.respond = func(req models.ProcessRequest) models.ProcessResponse {
		return models.ProcessResponse{Success: true, Outputs: map[string]interface{}{"score": len(req.Variables["your_name"].(string))}}
	}
	e := newTestEngine(t, stub)
	sections := []models.Section{
		nameSection(),
		{ID: "city", Type: models.SectionInput, Title: "City", Order: 1, Settings: models.InputSettings{}},
		{ID: "c1", Type: models.SectionContent, Order: 2, Settings: models.ContentSettings{Body: "From @city"}},
		{
			ID: "ai", Type: models.SectionAILogic, Order: 3,
			Settings: models.AILogicSettings{Prompt: "@your_name", OutputVariables: []models.OutputDefinition{{Name: "score"}}},
		},
		{ID: "out", Type: models.SectionOutput, Order: 4, Settings: models.OutputSettings{Body: "@score"}},
	}

	e.SetValue("your_name", "Ada")
	e.SetValue("city", "Oslo")
	_, err := e.EvaluateSession(context.Background(), sections)
	require.NoError(t, err)

	ev, err := e.Update(context.Background(), sections, "city", "Rome")
	require.NoError(t, err)
	c1, _ := ev.Section("c1")
	assert.Equal(t, "From Rome", c1.Text)
	assert.False(t, c1.Reused)
	ai, _ := ev.Section("ai")
	assert.True(t, ai.Reused)
	out, _ := ev.Section("out")
	assert.True(t, out.Reused)
	assert.Equal(t, int64(1), stub.calls.Load())

	ev, err = e.Update(context.Background(), sections, "your_name", "Grace")
	require.NoError(t, err)
	out, _ = ev.Section("out")
	assert.False(t, out.Reused)
	assert.Equal(t, "5", out.Text)
	c1, _ = ev.Section("c1")
	assert.True(t, c1.Reused)
	assert.Equal(t, int64(2), stub.calls.Load())
	assert.Same(t, ev, e.Last())
}

func TestRefreshAfterRecoveredFailureRerendersDependents(t *testing.T) {
	stub := &countingCollaborator{}
	stub.respond = func(models.ProcessRequest) models.ProcessResponse {
		if stub.calls.Load() == 1 {
			return models.ProcessResponse{Success: false, Error: "upstream timeout"}
		}
		return models.ProcessResponse{Success: true, Outputs: map[string]interface{}{"score": 87}}
	}
	e := newTestEngine(t, stub)
	sections := []models.Section{
		nameSection(),
		{ID: "city", Type: models.SectionInput, Title: "City", Order: 1, Settings: models.InputSettings{}},
		{
			ID: "ai", Type: models.SectionAILogic, Order: 2,
			Settings: models.AILogicSettings{Prompt: "@your_name", OutputVariables: []models.OutputDefinition{{Name: "score"}}},
		},
		{ID: "out", Type: models.SectionOutput, Order: 3, Settings: models.OutputSettings{Body: "Score: @score"}},
	}

	e.SetValue("your_name", "Ada")
	ev, err := e.EvaluateSession(context.Background(), sections)
	require.NoError(t, err)
	assert.Equal(t, []string{"ai"}, ev.Degraded())
	out, _ := ev.Section("out")
	assert.Equal(t, "Score: ", out.Text)

	// city 未被提示词引用，但降级的 AI 区块会重试
	ev, err = e.Update(context.Background(), sections, "city", "Oslo")
	require.NoError(t, err)
	ai, _ := ev.Section("ai")
	assert.Equal(t, StatusReady, ai.Status)
	out, _ = ev.Section("out")
	assert.False(t, out.Reused)
	assert.Equal(t, "Score: 87", out.Text)
	assert.Empty(t, out.Unresolved)
	assert.Equal(t, int64(2), stub.calls.Load())
}

func TestAffected(t *testing.T) {
	sections := []models.Section{
		nameSection(),
		scoreSection("@your_name"),
		resultSection("@score"),
		{ID: "c", Type: models.SectionContent, Order: 3, Settings: models.ContentSettings{Body: "static"}},
	}

	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, Affected(sections, []string{"your_name"}))
	assert.Equal(t, map[int]bool{2: true}, Affected(sections, []string{"score"}))
	assert.Empty(t, Affected(sections, []string{"nothing"}))
}

func TestEvaluateSection(t *testing.T) {
	stub := &countingCollaborator{respond: succeedWith(map[string]interface{}{"score": 7})}
	e := newTestEngine(t, stub)
	sections := []models.Section{nameSection(), scoreSection("@your_name"), resultSection("@score")}
	e.SetValue("your_name", "Ada")

	res, err := e.EvaluateSection(context.Background(), sections, 2)
	require.NoError(t, err)
	assert.Equal(t, "7", res.Text)

	res, err = e.EvaluateSection(context.Background(), sections, 2)
	require.NoError(t, err)
	assert.Equal(t, "7", res.Text)
	assert.Equal(t, int64(1), stub.calls.Load())

	_, err = e.EvaluateSection(context.Background(), sections, 3)
	assert.Error(t, err)
}

func TestCanceledRequestStillCachesResult(t *testing.T) {
	release := make(chan struct{})
	stub := &countingCollaborator{respond: func(models.ProcessRequest) models.ProcessResponse {
		<-release
		return models.ProcessResponse{Success: true, Outputs: map[string]interface{}{"score": 11}}
	}}
	e := newTestEngine(t, stub)
	sections := []models.Section{nameSection(), scoreSection("@your_name"), resultSection("@score")}
	values := map[string]interface{}{"your_name": "Ada"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ev, err := e.Evaluate(ctx, sections, values)
	require.NoError(t, err)
	ai, _ := ev.Section("ai")
	assert.Equal(t, StatusDegraded, ai.Status)

	close(release)
	require.Eventually(t, func() bool { return e.Stats().CacheSize == 1 }, time.Second, 5*time.Millisecond)

	ev, err = e.Evaluate(context.Background(), sections, values)
	require.NoError(t, err)
	out, _ := ev.Section("out")
	assert.Equal(t, "11", out.Text)
	assert.Equal(t, int64(1), stub.calls.Load())
}

func TestCacheExpiryAndCapacity(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	stub := &countingCollaborator{respond: succeedWith(map[string]interface{}{"score": 1})}
	e := newTestEngine(t, stub, WithClock(clock), WithCache(2, time.Minute))
	sections := []models.Section{nameSection(), scoreSection("@your_name")}

	for _, name := range []string{"a", "b", "c"} {
		_, _ = e.Evaluate(context.Background(), sections, map[string]interface{}{"your_name": name})
		now = now.Add(time.Second)
	}
	assert.Equal(t, 2, e.Stats().CacheSize)

	now = now.Add(2 * time.Minute)
	_, _ = e.Evaluate(context.Background(), sections, map[string]interface{}{"your_name": "c"})
	assert.Equal(t, int64(4), stub.calls.Load())
}

func TestEngineUsesConfiguredInterpolator(t *testing.T) {
	in := interpolate.New(interpolate.Options{Locale: "de-DE"})
	e := newTestEngine(t, &countingCollaborator{respond: failWith("unused")}, WithInterpolator(in))
	sections := []models.Section{
		{ID: "q", Type: models.SectionInput, Title: "Budget", Settings: models.InputSettings{InputType: models.VarNumber}},
		{ID: "c", Type: models.SectionContent, Order: 1, Settings: models.ContentSettings{Body: "@budget|number:2"}},
	}

	ev, _ := e.Evaluate(context.Background(), sections, map[string]interface{}{"budget": 1234.5})
	c, _ := ev.Section("c")
	assert.Equal(t, "1.234,50", c.Text)
}

func TestDispose(t *testing.T) {
	e := New(&countingCollaborator{respond: failWith("unused")}, WithLogger(utils.NewNopLogger()))
	sub := e.Subscribe(nil, func(models.UpdateEvent) {})

	e.Dispose()
	e.Dispose()

	_, err := e.Evaluate(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrDisposed)
	assert.Equal(t, 0, e.SetValue("x", 1))
	assert.Equal(t, "idle", sub.State().String())
}

func TestEnginesAreIsolated(t *testing.T) {
	stub := &countingCollaborator{respond: succeedWith(map[string]interface{}{"score": 1})}
	a := newTestEngine(t, stub)
	b := newTestEngine(t, stub)
	sections := []models.Section{nameSection(), scoreSection("@your_name")}
	values := map[string]interface{}{"your_name": "Ada"}

	_, _ = a.Evaluate(context.Background(), sections, values)
	_, _ = b.Evaluate(context.Background(), sections, values)

	assert.Equal(t, int64(2), stub.calls.Load())
}
