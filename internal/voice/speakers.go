package voice

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/nugget/magdala/internal/homeassistant"
)

// featurePlayMedia is MediaPlayerEntityFeature.PLAY_MEDIA, which TTS
// playback requires.
const featurePlayMedia = 512

// Speakers groups playback-capable media players by area. Names maps
// lowercased area names and aliases to area IDs.
type Speakers struct {
	All    []string            `json:"all"`
	ByArea map[string][]string `json:"by_area"`
	Names  map[string]string   `json:"names,omitempty"`
}

func (s Speakers) clone() Speakers {
	out := Speakers{All: slices.Clone(s.All), ByArea: make(map[string][]string, len(s.ByArea))}
	for k, v := range s.ByArea {
		out.ByArea[k] = slices.Clone(v)
	}
	if s.Names != nil {
		out.Names = maps.Clone(s.Names)
	}
	return out
}

// InArea returns the speakers for an area given by ID, name, or alias.
func (s Speakers) InArea(area string) ([]string, bool) {
	key := strings.ToLower(strings.TrimSpace(area))
	if key == "" {
		return nil, false
	}
	if sp, ok := s.ByArea[key]; ok {
		return sp, true
	}
	if id, ok := s.Names[key]; ok {
		sp, ok := s.ByArea[id]
		return sp, ok
	}
	return nil, false
}

// areaLister is implemented by registries that can also list areas.
type areaLister interface {
	GetAreaRegistry(ctx context.Context) ([]homeassistant.Area, error)
}

// Areas returns the known area IDs in sorted order.
func (s Speakers) Areas() []string {
	return slices.Sorted(maps.Keys(s.ByArea))
}

// Discover lists media players that can play TTS and groups them by
// area. An entity's own area assignment wins over its device's. A nil
// registry yields speakers with no areas. Area names are resolved when
// the registry can list areas; failing to list them is not an error.
func Discover(ctx context.Context, states StateSource, registry Registry) (Speakers, error) {
	all, err := states.GetStates(ctx)
	if err != nil {
		return Speakers{}, err
	}

	sp := Speakers{ByArea: make(map[string][]string)}
	for _, s := range all {
		if s.Domain() != "media_player" || s.State == "unavailable" {
			continue
		}
		if s.SupportedFeatures()&featurePlayMedia == 0 {
			continue
		}
		sp.All = append(sp.All, s.EntityID)
	}
	sort.Strings(sp.All)

	if registry == nil || len(sp.All) == 0 {
		return sp, nil
	}

	entities, err := registry.GetEntityRegistry(ctx)
	if err != nil {
		return Speakers{}, err
	}
	devices, err := registry.GetDeviceRegistry(ctx)
	if err != nil {
		return Speakers{}, err
	}

	deviceArea := make(map[string]string, len(devices))
	for _, d := range devices {
		if d.AreaID != "" {
			deviceArea[d.ID] = d.AreaID
		}
	}
	entityArea := make(map[string]string, len(entities))
	for _, e := range entities {
		area := e.AreaID
		if area == "" {
			area = deviceArea[e.DeviceID]
		}
		if area != "" {
			entityArea[e.EntityID] = strings.ToLower(area)
		}
	}

	for _, id := range sp.All {
		if area, ok := entityArea[id]; ok {
			sp.ByArea[area] = append(sp.ByArea[area], id)
		}
	}

	if al, ok := registry.(areaLister); ok {
		if areas, err := al.GetAreaRegistry(ctx); err == nil {
			sp.Names = areaNames(areas)
		}
	}
	return sp, nil
}

// areaNames maps each area's lowercased name and aliases to its ID.
func areaNames(areas []homeassistant.Area) map[string]string {
	names := make(map[string]string)
	for _, a := range areas {
		id := strings.ToLower(a.AreaID)
		for _, n := range append([]string{a.Name}, a.Aliases...) {
			if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
				names[n] = id
			}
		}
	}
	return names
}
