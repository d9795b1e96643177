package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"

	bsErrors "github.com/bardlex/blockseal/pkg/errors"
	"github.com/bardlex/blockseal/pkg/log"
)

func testClient(cfg *Config) *KafkaClient {
	return NewKafkaClient(cfg, log.NewWithWriter(&bytes.Buffer{}, "blockseal", "test", "info", "json"))
}

func TestNewKafkaClient(t *testing.T) {
	client := testClient(&Config{Brokers: []string{"localhost:9092"}})

	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("Expected brokers [localhost:9092], got %v", client.brokers)
	}
	if client.Encoding() != EncodingJSON {
		t.Errorf("default encoding = %q, want %q", client.Encoding(), EncodingJSON)
	}
	if client.writers == nil || client.readers == nil {
		t.Error("producer and consumer maps should be initialized")
	}
	if client.circuitBreaker.Name() != "kafka" {
		t.Errorf("breaker name = %q, want kafka", client.circuitBreaker.Name())
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := testClient(&Config{Brokers: []string{"localhost:9092"}})

	producer1 := client.GetProducer(TopicSealResults)
	if producer1.Topic != TopicSealResults {
		t.Errorf("Expected topic %s, got %s", TopicSealResults, producer1.Topic)
	}

	producer2 := client.GetProducer(TopicSealResults)
	if producer1 != producer2 {
		t.Error("Expected same producer instance from cache")
	}

	if len(client.writers) != 1 {
		t.Errorf("Expected 1 writer in map, got %d", len(client.writers))
	}
}

func TestKafkaClient_GetConsumer(t *testing.T) {
	client := testClient(&Config{Brokers: []string{"localhost:9092"}})

	consumer1 := client.GetConsumer(TopicSealRequests, "sealworker")
	consumer2 := client.GetConsumer(TopicSealRequests, "sealworker")
	if consumer1 != consumer2 {
		t.Error("Expected same consumer instance from cache")
	}

	consumer3 := client.GetConsumer(TopicSealRequests, "different-group")
	if consumer1 == consumer3 {
		t.Error("Expected different consumer for different group")
	}

	if len(client.readers) != 2 {
		t.Errorf("Expected 2 readers in map, got %d", len(client.readers))
	}

	_ = client.Close()
	if len(client.writers) != 0 || len(client.readers) != 0 {
		t.Error("Close() should clear producers and consumers")
	}
}

func TestKafkaClient_PublishUnsupportedEncoding(t *testing.T) {
	var published []error
	client := testClient(&Config{
		Brokers:   []string{"localhost:9092"},
		Encoding:  "xml",
		OnPublish: func(_ string, err error) { published = append(published, err) },
	})

	err := client.Publish(context.Background(), TopicSealResults, "k", &SealResultMessage{})
	if !bsErrors.IsType(err, bsErrors.ErrorTypeValidation) {
		t.Errorf("Publish() error = %v, want validation error", err)
	}
	if len(published) != 1 || published[0] == nil {
		t.Errorf("OnPublish calls = %v, want one failure", published)
	}
	if len(client.writers) != 0 {
		t.Error("no producer should be created for a rejected event")
	}
}

func TestKafkaClient_PublishCanceledContext(t *testing.T) {
	var published []error
	client := testClient(&Config{
		// nothing listens on port 1
		Brokers:   []string{"127.0.0.1:1"},
		Encoding:  EncodingProto,
		OnPublish: func(_ string, err error) { published = append(published, err) },
	})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	cancel()

	err := client.Publish(ctx, TopicSealResults, "req-1", &SealResultMessage{RequestID: "req-1"})
	if err == nil {
		t.Fatal("Publish() with a canceled context should fail")
	}
	if len(published) != 1 || published[0] == nil {
		t.Errorf("OnPublish calls = %v, want one failure", published)
	}
}

func TestDecode(t *testing.T) {
	sealedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := &SealResultMessage{
		RequestID:     "req-7",
		Algorithm:     "md5",
		Difficulty:    5,
		Status:        "sealed",
		Nonce:         "2466846",
		ContentDigest: "0b2d0e0a",
		Attempts:      2466847,
		ElapsedMs:     512.5,
		SealedAt:      sealedAt,
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	s, err := msg.ToProto()
	if err != nil {
		t.Fatalf("ToProto() error = %v", err)
	}
	protoData, err := proto.Marshal(s)
	if err != nil {
		t.Fatalf("proto.Marshal() error = %v", err)
	}

	for encoding, data := range map[string][]byte{EncodingJSON: jsonData, EncodingProto: protoData} {
		var got SealResultMessage
		if err := Decode(encoding, data, &got); err != nil {
			t.Fatalf("Decode(%s) error = %v", encoding, err)
		}
		if got.Nonce != msg.Nonce || got.Attempts != msg.Attempts || got.Difficulty != msg.Difficulty {
			t.Errorf("Decode(%s) = %+v, want %+v", encoding, got, msg)
		}
		if !got.SealedAt.Equal(sealedAt) {
			t.Errorf("Decode(%s) SealedAt = %v, want %v", encoding, got.SealedAt, sealedAt)
		}
	}

	if err := Decode(EncodingProto, []byte{0xff, 0xff}, &SealResultMessage{}); err == nil {
		t.Error("Decode() of garbage protobuf should fail")
	}
	if err := Decode("yaml", jsonData, &SealResultMessage{}); !bsErrors.IsType(err, bsErrors.ErrorTypeValidation) {
		t.Errorf("Decode(yaml) error = %v, want validation error", err)
	}
}

func TestCount_LargeValuesSurviveStruct(t *testing.T) {
	tests := []struct {
		name  string
		count Count
		want  string
	}{
		{"small stays a number", 31626, `31626`},
		{"2^53 stays a number", 1 << 53, `9007199254740992`},
		{"2^53+1 becomes a string", 1<<53 + 1, `"9007199254740993"`},
		{"max uint64", math.MaxUint64, `"18446744073709551615"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.count)
			if err != nil || string(data) != tt.want {
				t.Fatalf("json.Marshal() = %s, %v, want %s", data, err, tt.want)
			}

			req := &SealRequestMessage{RequestID: "r", Content: "c", MaxAttempts: tt.count}
			s, err := req.ToProto()
			if err != nil {
				t.Fatalf("ToProto() error = %v", err)
			}
			back, err := SealRequestFromProto(s)
			if err != nil {
				t.Fatalf("SealRequestFromProto() error = %v", err)
			}
			if back.MaxAttempts != tt.count {
				t.Errorf("MaxAttempts = %d, want %d", back.MaxAttempts, tt.count)
			}
		})
	}
}

func TestCount_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    Count
		wantErr bool
	}{
		{`1000`, 1000, false},
		{`"1000"`, 1000, false},
		{`1e+06`, 1000000, false},
		{`null`, 0, false},
		{`-1`, 0, true},
		{`1.5`, 0, true},
		{`"lots"`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var got Count
			err := json.Unmarshal([]byte(tt.in), &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Unmarshal(%s) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestSealRequestFromProto(t *testing.T) {
	req := &SealRequestMessage{
		RequestID:   "req-1",
		Content:     "Jean:coucou;Simon:hey;Yann:hola",
		Difficulty:  5,
		MaxAttempts: 1 << 24,
	}

	s, err := req.ToProto()
	if err != nil {
		t.Fatalf("ToProto() error = %v", err)
	}
	if got := s.GetFields()["content"].GetStringValue(); got != req.Content {
		t.Errorf("content field = %q, want %q", got, req.Content)
	}
	if got := s.GetFields()["difficulty"].GetNumberValue(); got != 5 {
		t.Errorf("difficulty field = %v, want 5", got)
	}

	back, err := SealRequestFromProto(s)
	if err != nil {
		t.Fatalf("SealRequestFromProto() error = %v", err)
	}
	if back.Content != req.Content || back.MaxAttempts != req.MaxAttempts {
		t.Errorf("SealRequestFromProto() = %+v, want %+v", back, req)
	}

	if _, err := SealRequestFromProto(nil); err == nil {
		t.Error("SealRequestFromProto(nil) should fail")
	}
}

func TestCheckResultFromProto(t *testing.T) {
	msg := &CheckResultMessage{RequestID: "c-1", Algorithm: "md5", Difficulty: 3, Nonce: "0", Valid: true, State: "sealed-valid"}

	s, err := msg.ToProto()
	if err != nil {
		t.Fatalf("ToProto() error = %v", err)
	}
	if !s.GetFields()["valid"].GetBoolValue() {
		t.Error("valid field should be true")
	}

	back, err := CheckResultFromProto(s)
	if err != nil {
		t.Fatalf("CheckResultFromProto() error = %v", err)
	}
	if back.Nonce != "0" || !back.Valid || back.State != "sealed-valid" {
		t.Errorf("CheckResultFromProto() = %+v", back)
	}
}

func TestTopicConstants(t *testing.T) {
	expected := map[string]string{
		TopicSealRequests: "seal.requests",
		TopicSealResults:  "seal.results",
		TopicSealChecks:   "seal.checks",
	}
	for actual, want := range expected {
		if actual != want {
			t.Errorf("topic = %s, want %s", actual, want)
		}
	}
}

func BenchmarkKafkaClient_GetProducer(b *testing.B) {
	client := testClient(&Config{Brokers: []string{"localhost:9092"}})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = client.GetProducer(TopicSealResults)
	}
}
