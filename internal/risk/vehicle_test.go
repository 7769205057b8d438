package risk

import (
	"testing"
	"time"

	"coldchain/internal/model"
)

func f64(v float64) *float64 { return &v }

func coldVehicle() model.Vehicle {
	return model.Vehicle{ID: "veh_1", Name: "Reefer 1", MinTempC: f64(2), MaxTempC: f64(8)}
}

func sampleAt(t time.Time, temp float64) model.TelemetrySample {
	return model.TelemetrySample{VehicleID: "veh_1", RecordedAt: t, TempC: f64(temp)}
}

func TestScoreVehicleEmptyWindow(t *testing.T) {
	got := ScoreVehicle(coldVehicle(), nil, time.Now())
	if got.Score != 0 || got.Level != model.RiskLow {
		t.Fatalf("empty window: got %d/%s, want 0/low", got.Score, got.Level)
	}
}

func TestScoreVehicleStableInRange(t *testing.T) {
	now := time.Now()
	samples := []model.TelemetrySample{
		sampleAt(now.Add(-30*time.Minute), 5.0),
		sampleAt(now.Add(-20*time.Minute), 5.2),
		sampleAt(now.Add(-10*time.Minute), 4.9),
	}
	got := ScoreVehicle(coldVehicle(), samples, now)
	if got.Score > 10 {
		t.Fatalf("stable in-range vehicle scored %d, want <= 10", got.Score)
	}
	if got.Level != model.RiskLow {
		t.Fatalf("level = %s, want low", got.Level)
	}
}

func TestScoreVehicleAllOutOfRange(t *testing.T) {
	now := time.Now()
	samples := make([]model.TelemetrySample, 0, 5)
	for i := 0; i < 5; i++ {
		samples = append(samples, sampleAt(now.Add(-time.Duration(10-2*i)*time.Minute), 15.0))
	}
	got := ScoreVehicle(coldVehicle(), samples, now)
	if got.Score <= 60 {
		t.Fatalf("all-excursion vehicle scored %d, want > 60", got.Score)
	}
	if got.Level != model.RiskHigh && got.Level != model.RiskCritical {
		t.Fatalf("level = %s, want high or critical", got.Level)
	}
}

func TestScoreVehicleBounds(t *testing.T) {
	now := time.Now()
	cases := [][]model.TelemetrySample{
		{sampleAt(now.Add(-48*time.Hour), 40)},
		{sampleAt(now, -40), sampleAt(now, 40), sampleAt(now, -40), sampleAt(now, 40)},
		{sampleAt(now.Add(-time.Minute), 5)},
	}
	for i, samples := range cases {
		got := ScoreVehicle(coldVehicle(), samples, now)
		if got.Score < 0 || got.Score > 100 {
			t.Fatalf("case %d: score %d out of [0,100]", i, got.Score)
		}
		if got.Level != Level(got.Score) {
			t.Fatalf("case %d: level %s does not match band for %d", i, got.Level, got.Score)
		}
	}
}

func TestFreshnessSteps(t *testing.T) {
	now := time.Now()
	cases := []struct {
		age  time.Duration
		want float64
	}{
		{30 * time.Minute, 0},
		{2 * time.Hour, 25},
		{6 * time.Hour, 50},
		{18 * time.Hour, 75},
		{30 * time.Hour, 100},
	}
	for _, tc := range cases {
		got := freshnessFactor([]model.TelemetrySample{sampleAt(now.Add(-tc.age), 5)}, now)
		if got != tc.want {
			t.Fatalf("freshness at %v = %v, want %v", tc.age, got, tc.want)
		}
	}
}

func TestTrendScoresOnlyWhenDrifting(t *testing.T) {
	v := coldVehicle()
	now := time.Now()
	// warming away from midpoint 5
	warming := []model.TelemetrySample{}
	for i, temp := range []float64{5.0, 5.5, 6.0, 6.5, 7.0, 7.5} {
		warming = append(warming, sampleAt(now.Add(time.Duration(i)*time.Minute), temp))
	}
	if got := trendFactor(v, warming); got == 0 {
		t.Fatal("warming drift should score > 0")
	}
	// cooling back toward midpoint from above
	recovering := []model.TelemetrySample{}
	for i, temp := range []float64{7.5, 7.0, 6.5, 6.0, 5.5, 5.2} {
		recovering = append(recovering, sampleAt(now.Add(time.Duration(i)*time.Minute), temp))
	}
	if got := trendFactor(v, recovering); got != 0 {
		t.Fatalf("recovery toward midpoint scored %v, want 0", got)
	}
}

func TestLevelBands(t *testing.T) {
	cases := []struct {
		score int
		want  model.RiskLevel
	}{
		{0, model.RiskLow}, {30, model.RiskLow},
		{31, model.RiskMedium}, {60, model.RiskMedium},
		{61, model.RiskHigh}, {80, model.RiskHigh},
		{81, model.RiskCritical}, {100, model.RiskCritical},
	}
	for _, tc := range cases {
		if got := Level(tc.score); got != tc.want {
			t.Fatalf("Level(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}
