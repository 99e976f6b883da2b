package watch

import (
	"sort"

	"github.com/zsiec/lens/internal/catalog"
)

// VideoTarget guides rendition selection. An explicit Rendition name
// overrides the pixel goal.
type VideoTarget struct {
	Pixels    int
	Rendition string
}

// selectVideoRendition picks a rendition name from the catalog section:
// the eligible rendition with the smallest pixel count at or above the
// target, or the largest below it when none reach the target. Eligible
// means decodable by the platform and not previously failed. Ties break
// on name order so repeated selections are stable.
func selectVideoRendition(video *catalog.Video, target VideoTarget, eligible func(string, catalog.VideoConfig) bool) (string, bool) {
	if video == nil || len(video.Renditions) == 0 {
		return "", false
	}

	if target.Rendition != "" {
		cfg, ok := video.Renditions[target.Rendition]
		if ok && eligible(target.Rendition, cfg) {
			return target.Rendition, true
		}
		// Explicit name that cannot be served falls through to automatic
		// selection rather than failing outright.
	}

	names := make([]string, 0, len(video.Renditions))
	for name, cfg := range video.Renditions {
		if eligible(name, cfg) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Slice(names, func(i, j int) bool {
		pi := video.Renditions[names[i]].Pixels()
		pj := video.Renditions[names[j]].Pixels()
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})

	// Smallest rendition at or above the goal.
	for _, name := range names {
		if video.Renditions[name].Pixels() >= target.Pixels {
			return name, true
		}
	}
	// All below the goal: take the largest.
	return names[len(names)-1], true
}

// selectAudioRendition picks an eligible audio rendition, preferring
// explicit priority then name order.
func selectAudioRendition(audio *catalog.Audio, eligible func(string, catalog.AudioConfig) bool) (string, bool) {
	if audio == nil || len(audio.Renditions) == 0 {
		return "", false
	}

	names := make([]string, 0, len(audio.Renditions))
	for name, cfg := range audio.Renditions {
		if eligible(name, cfg) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Slice(names, func(i, j int) bool {
		pi := renditionPriority(audio.Renditions[names[i]].Priority, audio.Priority)
		pj := renditionPriority(audio.Renditions[names[j]].Priority, audio.Priority)
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names[0], true
}

// renditionPriority resolves a per-rendition override against the
// section default. Lower is more important.
func renditionPriority(override *uint8, section uint8) uint8 {
	if override != nil {
		return *override
	}
	return section
}
