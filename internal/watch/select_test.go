package watch

import (
	"testing"

	"github.com/zsiec/lens/internal/catalog"
)

func testVideoSection() *catalog.Video {
	return &catalog.Video{
		Renditions: map[string]catalog.VideoConfig{
			"low":  {Codec: "avc1.42e01e", CodedWidth: 640, CodedHeight: 360},
			"mid":  {Codec: "avc1.4d401f", CodedWidth: 1280, CodedHeight: 720},
			"high": {Codec: "avc1.64002a", CodedWidth: 1920, CodedHeight: 1080},
		},
		Priority: 1,
	}
}

func allEligible(string, catalog.VideoConfig) bool { return true }

func TestSelectSmallestAtOrAboveTarget(t *testing.T) {
	t.Parallel()
	video := testVideoSection()

	cases := []struct {
		pixels int
		want   string
	}{
		{1, "low"},
		{640 * 360, "low"},
		{640*360 + 1, "mid"},
		{1280 * 720, "mid"},
		{1920 * 1080, "high"},
	}
	for _, tc := range cases {
		got, ok := selectVideoRendition(video, VideoTarget{Pixels: tc.pixels}, allEligible)
		if !ok || got != tc.want {
			t.Errorf("pixels=%d: got %q (ok=%v), want %q", tc.pixels, got, ok, tc.want)
		}
	}
}

func TestSelectLargestBelowWhenNoneReach(t *testing.T) {
	t.Parallel()
	got, ok := selectVideoRendition(testVideoSection(), VideoTarget{Pixels: 1 << 30}, allEligible)
	if !ok || got != "high" {
		t.Fatalf("got %q (ok=%v), want high", got, ok)
	}
}

func TestSelectExplicitOverride(t *testing.T) {
	t.Parallel()
	got, ok := selectVideoRendition(testVideoSection(),
		VideoTarget{Pixels: 1, Rendition: "high"}, allEligible)
	if !ok || got != "high" {
		t.Fatalf("got %q (ok=%v), want high", got, ok)
	}

	// An ineligible explicit name falls back to automatic selection.
	notHigh := func(name string, _ catalog.VideoConfig) bool { return name != "high" }
	got, ok = selectVideoRendition(testVideoSection(),
		VideoTarget{Pixels: 1, Rendition: "high"}, notHigh)
	if !ok || got != "low" {
		t.Fatalf("fallback: got %q (ok=%v), want low", got, ok)
	}
}

func TestSelectNoEligible(t *testing.T) {
	t.Parallel()
	none := func(string, catalog.VideoConfig) bool { return false }
	if _, ok := selectVideoRendition(testVideoSection(), VideoTarget{}, none); ok {
		t.Fatal("selection from empty eligible set should fail")
	}
	if _, ok := selectVideoRendition(nil, VideoTarget{}, allEligible); ok {
		t.Fatal("selection from nil section should fail")
	}
}

func TestSelectStableTieBreak(t *testing.T) {
	t.Parallel()
	video := &catalog.Video{
		Renditions: map[string]catalog.VideoConfig{
			"b": {Codec: "avc1", CodedWidth: 640, CodedHeight: 360},
			"a": {Codec: "avc1", CodedWidth: 640, CodedHeight: 360},
		},
	}
	for i := 0; i < 10; i++ {
		got, ok := selectVideoRendition(video, VideoTarget{Pixels: 1}, allEligible)
		if !ok || got != "a" {
			t.Fatalf("tie break: got %q, want a", got)
		}
	}
}

func TestSelectAudioByPriority(t *testing.T) {
	t.Parallel()
	high := uint8(0)
	audio := &catalog.Audio{
		Renditions: map[string]catalog.AudioConfig{
			"backup": {Codec: "opus", SampleRate: 48000, NumberOfChannels: 2},
			"main":   {Codec: "opus", SampleRate: 48000, NumberOfChannels: 2, Priority: &high},
		},
		Priority: 2,
	}

	got, ok := selectAudioRendition(audio, func(string, catalog.AudioConfig) bool { return true })
	if !ok || got != "main" {
		t.Fatalf("got %q (ok=%v), want main", got, ok)
	}
}
