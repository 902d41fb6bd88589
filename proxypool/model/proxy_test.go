package model

import (
	"testing"
	"time"
)

func TestProxy_RoundTrip(t *testing.T) {
	p := New("1.2.3.4", 8080)
	p.Score = -2
	p.Used = true
	p.ValidTime = 300
	p.Tag = "free_api"
	p.Paid = true
	p.SupportHTTPS = true
	p.MarkDeleted(time.Unix(1700000000, 0))

	s, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal() returned an error: %v", err)
	}
	got, err := Unmarshal(s)
	if err != nil {
		t.Fatalf("Unmarshal() returned an error: %v", err)
	}

	if got.IP != p.IP || got.Port != p.Port || got.Score != -2 || !got.Used ||
		got.ValidTime != 300 || got.InsertTime != p.InsertTime || got.Tag != "free_api" ||
		!got.Paid || !got.SupportHTTPS {
		t.Errorf("Round trip lost fields: got %+v, want %+v", got, p)
	}
	if got.DeleteTime == nil || *got.DeleteTime != 1700000000 {
		t.Errorf("Expected delete_time to survive the round trip, got %v", got.DeleteTime)
	}
}

func TestProxy_RoundTripWithoutDeleteTime(t *testing.T) {
	s, _ := New("1.2.3.4", 80).Marshal()
	got, err := Unmarshal(s)
	if err != nil {
		t.Fatalf("Unmarshal() returned an error: %v", err)
	}
	if got.DeleteTime != nil {
		t.Errorf("Expected nil delete_time, got %d", *got.DeleteTime)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1.2.3.4:8080", want: "http://1.2.3.4:8080"},
		{in: "http://1.2.3.4:80", want: "http://1.2.3.4:80"},
		{in: "https://1.2.3.4:443", want: "http://1.2.3.4:443"},
		{in: "socks5://5.6.7.8:1080", want: "socks5://5.6.7.8:1080"},
		{in: " 9.9.9.9:3128 \n", want: "http://9.9.9.9:3128"},
		{in: "1.2.3.4", wantErr: true},
		{in: "1.2.3.4:abc", wantErr: true},
		{in: "1.2.3.4:70000", wantErr: true},
	}
	for _, tt := range tests {
		p, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) expected an error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) returned an error: %v", tt.in, err)
			continue
		}
		if p.String() != tt.want {
			t.Errorf("Parse(%q).String() = %q, want %q", tt.in, p.String(), tt.want)
		}
	}
}

func TestProxy_SetScoreClamps(t *testing.T) {
	p := New("1.1.1.1", 1)
	p.SetScore(9)
	if p.Score != MaxScore {
		t.Errorf("Expected score clamped to %d, got %d", MaxScore, p.Score)
	}
	p.SetScore(-7)
	if p.Score != -7 {
		t.Errorf("Expected negative score to be kept, got %d", p.Score)
	}
}

func TestProxy_Expired(t *testing.T) {
	now := time.Unix(1000, 0)
	p := &Proxy{InsertTime: 500, ValidTime: 300}
	if !p.Expired(now) {
		t.Error("Expected record past its TTL to be expired")
	}
	p.ValidTime = 600
	if p.Expired(now) {
		t.Error("Expected record within its TTL to be alive")
	}
	p.ValidTime = -1
	if p.Expired(now) {
		t.Error("Expected record without TTL to never expire")
	}
}

func TestCheckRule_Empty(t *testing.T) {
	if !(CheckRule{}).Empty() {
		t.Error("Expected zero rule to be empty")
	}
	if !(CheckRule{Rule: "//title/text()", Value: " "}).Empty() {
		t.Error("Expected rule without value to be empty")
	}
	if (CheckRule{Rule: RuleWhitelist, Value: "ok"}).Empty() {
		t.Error("Expected whitelist rule to be non-empty")
	}
}
