// Package timing scores send times and channels against Korean clinic
// patient behavior patterns. Scores are advisory: the scheduler biases send
// hours with them but never blocks a send on a low score.
package timing

import (
	"math"
	"sort"
	"time"

	"github.com/doctorsflow/engage/pkg/models"
)

// Profile is the fixed behavior pattern of one patient segment.
type Profile struct {
	Bracket                models.AgeBracket
	OptimalHours           []int
	AvoidHours             []int
	PreferredDays          []time.Weekday
	AvoidedDays            []time.Weekday
	ResponseRateMultiplier float64
}

var profiles = map[models.AgeBracket]Profile{
	models.BracketElderly: {
		Bracket:                models.BracketElderly,
		OptimalHours:           []int{9, 10, 11, 14, 15},
		AvoidHours:             []int{12, 18, 19, 20, 21, 22},
		PreferredDays:          []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		AvoidedDays:            []time.Weekday{time.Sunday, time.Saturday},
		ResponseRateMultiplier: 1.2,
	},
	models.BracketWorkingAge: {
		Bracket:                models.BracketWorkingAge,
		OptimalHours:           []int{8, 12, 13, 18, 19, 20},
		AvoidHours:             []int{9, 10, 11, 14, 15, 16, 17},
		PreferredDays:          []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		AvoidedDays:            []time.Weekday{time.Sunday, time.Saturday},
		ResponseRateMultiplier: 0.9,
	},
	models.BracketYoungAdult: {
		Bracket:                models.BracketYoungAdult,
		OptimalHours:           []int{9, 12, 13, 19, 20, 21, 22},
		AvoidHours:             []int{8, 14, 15, 16, 17, 18},
		PreferredDays:          []time.Weekday{time.Sunday, time.Saturday, time.Monday, time.Friday},
		AvoidedDays:            []time.Weekday{time.Tuesday, time.Wednesday, time.Thursday},
		ResponseRateMultiplier: 1.1,
	},
}

// ProfileFor returns the segment profile for a bracket. Unknown brackets fall
// back to working-age.
func ProfileFor(bracket models.AgeBracket) Profile {
	if profile, ok := profiles[bracket]; ok {
		return profile
	}

	return profiles[models.BracketWorkingAge]
}

// MessageType classifies message intent for channel scoring.
type MessageType string

const (
	MessageNotification     MessageType = "notification"
	MessageReminder         MessageType = "reminder"
	MessageCareInstructions MessageType = "care_instructions"
	MessageMarketing        MessageType = "marketing"
)

// ChannelPerformance is the observed delivery profile of one transport.
type ChannelPerformance struct {
	CostPerMessage float64 // KRW
	DeliveryRate   float64
	ResponseRate   float64
	OptimalFor     []MessageType
}

var channelPerformance = map[models.Channel]ChannelPerformance{
	models.ChannelKakao: {
		CostPerMessage: 2.5,
		DeliveryRate:   0.95,
		ResponseRate:   0.15,
		OptimalFor:     []MessageType{MessageNotification, MessageReminder, MessageCareInstructions},
	},
	models.ChannelSMS: {
		CostPerMessage: 15,
		DeliveryRate:   0.99,
		ResponseRate:   0.08,
		OptimalFor:     []MessageType{MessageNotification, MessageMarketing, MessageReminder},
	},
	models.ChannelEmail: {
		CostPerMessage: 0.5,
		DeliveryRate:   0.85,
		ResponseRate:   0.05,
		OptimalFor:     []MessageType{MessageCareInstructions, MessageMarketing},
	},
}

// Confidence scores sending at the given hour and weekday for a segment.
// Base 50, +30 optimal hour, -20 avoid hour, +20 preferred day, -15 avoided
// day, scaled by the segment's response-rate multiplier, clamped to [0,100].
func Confidence(bracket models.AgeBracket, hour int, day time.Weekday) int {
	profile := ProfileFor(bracket)
	score := 50.0

	if containsHour(profile.OptimalHours, hour) {
		score += 30
	}

	if containsHour(profile.AvoidHours, hour) {
		score -= 20
	}

	if containsDay(profile.PreferredDays, day) {
		score += 20
	}

	if containsDay(profile.AvoidedDays, day) {
		score -= 15
	}

	score *= profile.ResponseRateMultiplier

	return clamp(int(math.Round(score)), 0, 100)
}

// ChannelScore ranks one transport for a message type.
type ChannelScore struct {
	Channel        models.Channel
	PriorityScore  int
	CostPerMessage float64
	DeliveryRate   float64
}

// ChannelPriority scores a single channel for the message type:
// delivery rate x response rate x suitability factor x 100, rounded.
func ChannelPriority(channel models.Channel, messageType MessageType) int {
	performance, ok := channelPerformance[channel]
	if !ok {
		return 0
	}

	suitability := 0.8

	for _, optimal := range performance.OptimalFor {
		if optimal == messageType {
			suitability = 1.2

			break
		}
	}

	return int(math.Round(performance.DeliveryRate * performance.ResponseRate * suitability * 100))
}

// RankChannels scores the given channels and returns them highest first.
func RankChannels(channels []models.Channel, messageType MessageType) []ChannelScore {
	scores := make([]ChannelScore, 0, len(channels))

	for _, channel := range channels {
		performance := channelPerformance[channel]
		scores = append(scores, ChannelScore{
			Channel:        channel,
			PriorityScore:  ChannelPriority(channel, messageType),
			CostPerMessage: performance.CostPerMessage,
			DeliveryRate:   performance.DeliveryRate,
		})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].PriorityScore > scores[j].PriorityScore
	})

	return scores
}

// SendTime is one recommended send slot.
type SendTime struct {
	Hour       int
	Day        time.Weekday
	Confidence int
}

// BestSendTimes recommends up to five send slots for a segment, built from
// the segment's top three optimal hours crossed with its top three preferred
// days and sorted by confidence.
func BestSendTimes(bracket models.AgeBracket) []SendTime {
	profile := ProfileFor(bracket)

	hours := profile.OptimalHours
	if len(hours) > 3 {
		hours = hours[:3]
	}

	days := profile.PreferredDays
	if len(days) > 3 {
		days = days[:3]
	}

	times := make([]SendTime, 0, len(hours)*len(days))

	for _, hour := range hours {
		for _, day := range days {
			times = append(times, SendTime{
				Hour:       hour,
				Day:        day,
				Confidence: Confidence(bracket, hour, day),
			})
		}
	}

	sort.SliceStable(times, func(i, j int) bool {
		return times[i].Confidence > times[j].Confidence
	})

	if len(times) > 5 {
		times = times[:5]
	}

	return times
}

// BiasHour picks the send hour for a step due on the given day: the
// segment's optimal hour with the highest confidence for that weekday.
func BiasHour(bracket models.AgeBracket, day time.Time) int {
	profile := ProfileFor(bracket)

	best := profile.OptimalHours[0]
	bestScore := -1

	for _, hour := range profile.OptimalHours {
		if score := Confidence(bracket, hour, day.Weekday()); score > bestScore {
			best = hour
			bestScore = score
		}
	}

	return best
}

func containsHour(hours []int, hour int) bool {
	for _, h := range hours {
		if h == hour {
			return true
		}
	}

	return false
}

func containsDay(days []time.Weekday, day time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}

	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
