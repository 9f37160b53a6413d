package registration

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// decodedResult is the subset of a result message the tests inspect
type decodedResult struct {
	ID            string       `json:"id"`
	Success       bool         `json:"success"`
	Matrix        Matrix4      `json:"matrix"`
	FailureReason string       `json:"failureReason"`
	Transformed   [][3]float64 `json:"transformed"`
}

func TestNewPublisher(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	publisher := NewPublisher(nil, "", nil)
	if publisher.Prefix() != "scanreg" {
		t.Errorf("default prefix = %s, want scanreg", publisher.Prefix())
	}
	if publisher.qos != 1 {
		t.Errorf("default QoS = %d, want 1", publisher.qos)
	}
	if publisher.retain {
		t.Error("results should not be retained by default")
	}
}

func TestNewPublisher_EnvPrefix(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "lab/scans")

	publisher := NewPublisher(nil, "ignored", nil)
	if got := publisher.RequestTopic(); got != "lab/scans/request" {
		t.Errorf("RequestTopic() = %s", got)
	}
	if got := publisher.ResultTopic("42"); got != "lab/scans/result/42" {
		t.Errorf("ResultTopic() = %s", got)
	}
	if got := publisher.StatusTopic(); got != "lab/scans/status" {
		t.Errorf("StatusTopic() = %s", got)
	}
}

func TestPublisher_PublishResult(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := newMockClient(true)
	publisher := NewPublisher(client, "reg", nil)

	r := &Result{
		ID:          "job-7",
		Success:     true,
		Matrix:      Translation(1, 0, 0),
		Score:       0.93,
		Trials:      4,
		Transformed: Cloud{NewPoint(1, 2, 3)},
	}
	if err := publisher.PublishResult(r); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}

	results := client.messagesOn("reg/result/job-7")
	if len(results) != 1 {
		t.Fatalf("got %d result messages, want 1", len(results))
	}
	if results[0].QoS != 1 || results[0].Retain {
		t.Errorf("result qos/retain = %d/%v", results[0].QoS, results[0].Retain)
	}
	var got decodedResult
	if err := json.Unmarshal(results[0].Payload, &got); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if got.ID != "job-7" || !got.Success || got.Matrix != r.Matrix {
		t.Errorf("decoded result = %+v", got)
	}
	if len(got.Transformed) != 1 || got.Transformed[0] != [3]float64{1, 2, 3} {
		t.Errorf("transformed = %v", got.Transformed)
	}

	statuses := client.messagesOn("reg/status")
	if len(statuses) != 1 {
		t.Fatalf("got %d status messages, want 1", len(statuses))
	}
	if !statuses[0].Retain {
		t.Error("status should be retained")
	}
	var status StatusMessage
	if err := json.Unmarshal(statuses[0].Payload, &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.ID != "job-7" || !status.Success || status.Trials != 4 {
		t.Errorf("status = %+v", status)
	}

	last, ok := publisher.LastStatus()
	if !ok || last.ID != "job-7" {
		t.Errorf("LastStatus() = %+v, %v", last, ok)
	}
}

func TestPublisher_FailedResultOmitsCloud(t *testing.T) {
	client := newMockClient(true)
	publisher := NewPublisher(client, "reg", nil)

	r := &Result{
		ID:            "job-8",
		Matrix:        Identity(),
		FailureReason: string(ReasonTrialBudgetExhausted),
		Transformed:   Cloud{NewPoint(1, 2, 3)},
		StartedAt:     time.Now(),
	}
	if err := publisher.PublishResult(r); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}

	var got decodedResult
	if err := json.Unmarshal(client.messagesOn(publisher.ResultTopic("job-8"))[0].Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Success || got.FailureReason != "TrialBudgetExhausted" {
		t.Errorf("decoded = %+v", got)
	}
	if got.Transformed != nil {
		t.Errorf("failed result carried %d transformed points", len(got.Transformed))
	}
}

func TestPublisher_Errors(t *testing.T) {
	r := &Result{ID: "x", Matrix: Identity()}

	if err := NewPublisher(nil, "reg", nil).PublishResult(r); err == nil {
		t.Error("nil client should fail")
	}
	if err := NewPublisher(newMockClient(false), "reg", nil).PublishResult(r); err == nil {
		t.Error("disconnected client should fail")
	}

	client := newMockClient(true)
	client.setPublishError(errors.New("broker full"))
	publisher := NewPublisher(client, "reg", nil)
	if err := publisher.PublishResult(r); err == nil {
		t.Error("publish error should be returned")
	}
	if _, ok := publisher.LastStatus(); ok {
		t.Error("LastStatus() set although nothing was published")
	}
}

func TestPublisher_Settings(t *testing.T) {
	publisher := NewPublisher(nil, "reg", nil)
	publisher.SetQoS(2)
	publisher.SetQoS(7)
	if publisher.qos != 2 {
		t.Errorf("qos = %d, want 2", publisher.qos)
	}
	publisher.SetRetain(true)
	if !publisher.retain {
		t.Error("SetRetain(true) had no effect")
	}
}
