package bundle

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/nugget/relay/internal/plan"
)

func success(tool, payload string, attempt int) plan.Outcome {
	return plan.Outcome{
		Tool:    tool,
		Action:  "query",
		Status:  plan.StatusSuccess,
		Payload: json.RawMessage(payload),
		Attempt: attempt,
	}
}

func escalated(tool string, attempts int) plan.Outcome {
	return plan.Outcome{
		Tool:    tool,
		Action:  "query",
		Status:  plan.StatusEscalated,
		Payload: json.RawMessage(`{"partial":true}`),
		Detail:  "dial tcp: connection refused",
		Attempt: attempts,
	}
}

func testRequest() plan.Request {
	return plan.Request{
		ID:             "req-1",
		EventID:        "evt-1",
		Text:           "what is the PTO policy?",
		Sender:         plan.Sender{Name: "Dana", Role: "engineer", Department: "platform"},
		ConversationID: "conv-1",
		ReceivedAt:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func testPlan() *plan.Plan {
	return &plan.Plan{
		RequestID: "req-1",
		Intents:   []string{"lookup"},
		Steps: []plan.Step{
			{Tool: "a", Action: "query", Args: map[string]any{"q": "x"}},
			{Tool: "b", Action: "query", Args: map[string]any{"q": "x"}},
			{Tool: "c", Action: "query", Args: map[string]any{"q": "x"}},
		},
	}
}

func TestAssemble_SuccessesInPlanOrder(t *testing.T) {
	outcomes := []plan.Outcome{
		success("a", `{"n":1}`, 1),
		success("b", `{"n":2}`, 4),
		success("c", `{"n":3}`, 1),
	}
	b := Assemble(testRequest(), testPlan(), outcomes, nil, Options{})

	if b.Escalated || len(b.Escalations) != 0 {
		t.Errorf("unexpected escalation: %+v", b.Escalations)
	}
	var order []string
	for _, o := range b.Outcomes {
		order = append(order, o.Tool)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if string(b.Outcomes[1].Payload) != `{"n":2}` || b.Outcomes[1].Attempt != 4 {
		t.Errorf("outcome b = %+v", b.Outcomes[1])
	}
	if b.Request.Sender.Department != "platform" {
		t.Errorf("sender metadata lost: %+v", b.Request.Sender)
	}
}

func TestAssemble_EscalationCarriesNoPayload(t *testing.T) {
	outcomes := []plan.Outcome{
		success("a", `{"n":1}`, 1),
		escalated("b", 5),
		success("c", `{"n":3}`, 2),
	}
	b := Assemble(testRequest(), testPlan(), outcomes, nil, Options{})

	if !b.Escalated {
		t.Fatal("escalated flag not set")
	}
	if len(b.Outcomes) != 2 {
		t.Fatalf("outcomes = %+v, want a and c only", b.Outcomes)
	}
	for _, o := range b.Outcomes {
		if o.Tool == "b" {
			t.Errorf("escalated step leaked into outcomes: %+v", o)
		}
	}
	if _, ok := b.Payloads()["b.query"]; ok {
		t.Error("escalated payload exposed")
	}

	if len(b.Escalations) != 1 {
		t.Fatalf("escalations = %+v", b.Escalations)
	}
	e := b.Escalations[0]
	if e.Tool != "b" || e.Attempts != 5 || e.Marker != Marker || e.Detail == "" {
		t.Errorf("escalation = %+v", e)
	}

	raw, err := json.Marshal(b.Escalations[0])
	if err != nil {
		t.Fatal(err)
	}
	if containsKey(t, raw, "payload") {
		t.Errorf("escalation JSON has a payload: %s", raw)
	}
}

func containsKey(t *testing.T, raw []byte, key string) bool {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	_, ok := m[key]
	return ok
}

func TestAssemble_IgnoresNonTerminalOutcomes(t *testing.T) {
	outcomes := []plan.Outcome{
		{Tool: "a", Action: "query", Status: plan.StatusToolError, Payload: json.RawMessage(`{"err":1}`)},
		{Tool: "b", Action: "query", Status: plan.StatusRejected},
	}
	b := Assemble(testRequest(), testPlan(), outcomes, nil, Options{})
	if len(b.Outcomes) != 0 || b.Escalated {
		t.Errorf("bundle = %+v", b)
	}
	if b.Outcomes == nil {
		t.Error("Outcomes should be empty, not nil, so it encodes as []")
	}
}

func TestAssemble_TruncatesHistory(t *testing.T) {
	var history []plan.Message
	for i := range 15 {
		history = append(history, plan.Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}

	b := Assemble(testRequest(), testPlan(), nil, history, Options{HistoryWindow: 4})
	if len(b.History) != 4 || b.History[0].Content != "m11" || b.History[3].Content != "m14" {
		t.Errorf("history = %+v", b.History)
	}

	b = Assemble(testRequest(), testPlan(), nil, history, Options{})
	if len(b.History) != DefaultHistoryWindow {
		t.Errorf("default window = %d, want %d", len(b.History), DefaultHistoryWindow)
	}
}

func TestAssemble_SharesNoMemory(t *testing.T) {
	p := testPlan()
	payload := json.RawMessage(`{"n":1}`)
	outcomes := []plan.Outcome{{Tool: "a", Action: "query", Status: plan.StatusSuccess, Payload: payload}}
	history := []plan.Message{{Role: "user", Content: "before"}}

	b := Assemble(testRequest(), p, outcomes, history, Options{})

	payload[2] = 'X'
	history[0].Content = "after"
	p.Steps[0].Args["q"] = "changed"
	p.Intents[0] = "changed"

	if string(b.Outcomes[0].Payload) != `{"n":1}` {
		t.Errorf("payload aliased: %s", b.Outcomes[0].Payload)
	}
	if b.History[0].Content != "before" {
		t.Error("history aliased")
	}
	if b.Plan.Steps[0].Args["q"] != "x" || b.Plan.Intents[0] != "lookup" {
		t.Errorf("plan aliased: %+v", b.Plan)
	}

	b.Payloads()["a.query"][2] = 'Y'
	if string(b.Outcomes[0].Payload) != `{"n":1}` {
		t.Error("Payloads exposes internal buffers")
	}
}

func TestAssemble_Deterministic(t *testing.T) {
	outcomes := []plan.Outcome{success("a", `{"n":1}`, 1), escalated("b", 5)}
	history := []plan.Message{{Role: "user", Content: "hi"}}

	first := Assemble(testRequest(), testPlan(), outcomes, history, Options{})
	second := Assemble(testRequest(), testPlan(), outcomes, history, Options{})
	if !reflect.DeepEqual(first, second) {
		t.Errorf("bundles differ:\n%+v\n%+v", first, second)
	}
}

func TestAssemble_NilPlan(t *testing.T) {
	b := Assemble(testRequest(), nil, nil, nil, Options{})
	if b.Plan == nil || !b.Plan.Empty() || b.Escalated {
		t.Errorf("bundle = %+v", b)
	}
}
