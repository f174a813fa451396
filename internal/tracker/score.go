package tracker

import (
	"fmt"
	"math"
	"sort"

	"queue-tracker/internal/domain"
)

// meetsQuorum reports whether enough currently rostered players appeared in
// the match for it to count as part of the series. Filters out unrelated
// matches a rostered player happened to play concurrently.
func meetsQuorum(participants, rostered []string, quorum float64) bool {
	if len(rostered) == 0 {
		return false
	}
	onRoster := make(map[string]struct{}, len(rostered))
	for _, p := range rostered {
		onRoster[p] = struct{}{}
	}
	overlap := 0
	for _, p := range participants {
		if _, ok := onRoster[p]; ok {
			overlap++
		}
	}
	need := int(math.Ceil(quorum * float64(len(rostered))))
	return overlap >= need
}

type scoreEvent struct {
	at    int64 // unix millis
	isSub bool
	sub   domain.Substitution
	match domain.MatchSummary
}

// seriesScore folds discovered matches into a per-team win count, replaying
// substitutions so each match is attributed against the roster as it stood
// when the match ended. A substitution with a timestamp equal to a match end
// time takes effect before that match.
func seriesScore(state *domain.SeriesState) string {
	if len(state.Roster) < 2 {
		return ""
	}

	events := make([]scoreEvent, 0, len(state.DiscoveredMatches)+len(state.Substitutions))
	for _, m := range state.DiscoveredMatches {
		events = append(events, scoreEvent{at: m.EndTime.UnixMilli(), match: m})
	}
	for _, s := range state.Substitutions {
		events = append(events, scoreEvent{at: s.At.UnixMilli(), isSub: true, sub: s})
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].at != events[j].at {
			return events[i].at < events[j].at
		}
		return events[i].isSub && !events[j].isSub
	})

	roster := initialRoster(state)
	wins := make([]int, len(roster))

	for _, ev := range events {
		if ev.isSub {
			applySub(roster, ev.sub)
			continue
		}
		if idx, ok := winningTeam(roster, ev.match.Winners); ok {
			wins[idx]++
		}
	}

	return fmt.Sprintf("%s %d - %d %s", state.Roster[0].Name, wins[0], wins[1], state.Roster[1].Name)
}

// initialRoster reconstructs the roster as it stood at series start by
// undoing the substitution log against the current roster.
func initialRoster(state *domain.SeriesState) []domain.Team {
	roster := make([]domain.Team, len(state.Roster))
	for i, t := range state.Roster {
		roster[i] = domain.Team{Name: t.Name, Players: append([]string(nil), t.Players...)}
	}
	for i := len(state.Substitutions) - 1; i >= 0; i-- {
		sub := state.Substitutions[i]
		if sub.TeamIndex < 0 || sub.TeamIndex >= len(roster) {
			continue
		}
		replacePlayer(roster[sub.TeamIndex].Players, sub.PlayerIn, sub.PlayerOut)
	}
	return roster
}

func applySub(roster []domain.Team, sub domain.Substitution) {
	if sub.TeamIndex < 0 || sub.TeamIndex >= len(roster) {
		return
	}
	replacePlayer(roster[sub.TeamIndex].Players, sub.PlayerOut, sub.PlayerIn)
}

func replacePlayer(players []string, from, to string) {
	for i, p := range players {
		if p == from {
			players[i] = to
			return
		}
	}
}

// winningTeam attributes a match outcome to whichever roster side had more
// players on the match's winning side. A tie attributes to neither.
func winningTeam(roster []domain.Team, winners []string) (int, bool) {
	won := make(map[string]struct{}, len(winners))
	for _, w := range winners {
		won[w] = struct{}{}
	}

	best, bestCount, tied := -1, 0, false
	for i, team := range roster {
		count := 0
		for _, p := range team.Players {
			if _, ok := won[p]; ok {
				count++
			}
		}
		switch {
		case count > bestCount:
			best, bestCount, tied = i, count, false
		case count == bestCount && count > 0:
			tied = true
		}
	}
	if best < 0 || tied {
		return 0, false
	}
	return best, true
}
