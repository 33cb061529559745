package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doctorsflow/engage/pkg/models"
)

func TestConfidence_ElderlyTuesdayMorning(t *testing.T) {
	score := Confidence(models.BracketElderly, 10, time.Tuesday)
	assert.GreaterOrEqual(t, score, 80, "elderly weekday morning is a prime slot")
	assert.Equal(t, 100, score, "(50+30+20)*1.2 clamps at 100")
}

func TestConfidence_AvoidSlots(t *testing.T) {
	// Elderly Sunday lunch: (50-20-15)*1.2 = 18.
	assert.Equal(t, 18, Confidence(models.BracketElderly, 12, time.Sunday))

	// Working-age Tuesday mid-morning: (50-20+20)*0.9 = 45.
	assert.Equal(t, 45, Confidence(models.BracketWorkingAge, 10, time.Tuesday))

	// Young adults Saturday evening: (50+30+20)*1.1 caps at 100.
	assert.Equal(t, 100, Confidence(models.BracketYoungAdult, 20, time.Saturday))
}

func TestConfidence_Clamped(t *testing.T) {
	for _, bracket := range []models.AgeBracket{models.BracketElderly, models.BracketWorkingAge, models.BracketYoungAdult} {
		for hour := 0; hour < 24; hour++ {
			for day := time.Sunday; day <= time.Saturday; day++ {
				score := Confidence(bracket, hour, day)
				assert.GreaterOrEqual(t, score, 0)
				assert.LessOrEqual(t, score, 100)
			}
		}
	}
}

func TestProfileFor_UnknownFallsBackToWorkingAge(t *testing.T) {
	profile := ProfileFor(models.AgeBracket("nonsense"))
	assert.Equal(t, models.BracketWorkingAge, profile.Bracket)
}

func TestChannelPriority(t *testing.T) {
	// kakao for a reminder: 0.95 * 0.15 * 1.2 * 100 = 17.1 -> 17.
	assert.Equal(t, 17, ChannelPriority(models.ChannelKakao, MessageReminder))

	// kakao for marketing is not a suited pairing: 0.95 * 0.15 * 0.8 * 100 = 11.4 -> 11.
	assert.Equal(t, 11, ChannelPriority(models.ChannelKakao, MessageMarketing))

	// sms for a reminder: 0.99 * 0.08 * 1.2 * 100 = 9.504 -> 10.
	assert.Equal(t, 10, ChannelPriority(models.ChannelSMS, MessageReminder))

	assert.Equal(t, 0, ChannelPriority(models.Channel("pigeon"), MessageReminder))
}

func TestRankChannels_HighestFirst(t *testing.T) {
	ranked := RankChannels([]models.Channel{models.ChannelEmail, models.ChannelSMS, models.ChannelKakao}, MessageReminder)
	require.Len(t, ranked, 3)
	assert.Equal(t, models.ChannelKakao, ranked[0].Channel)
	assert.Equal(t, models.ChannelSMS, ranked[1].Channel)
	assert.Equal(t, models.ChannelEmail, ranked[2].Channel)
}

func TestBestSendTimes(t *testing.T) {
	times := BestSendTimes(models.BracketElderly)
	require.Len(t, times, 5)

	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i-1].Confidence, times[i].Confidence, "sorted by confidence")
	}

	top := times[0]
	assert.Contains(t, []int{9, 10, 11}, top.Hour)
}

func TestBiasHour_StaysInOptimalWindow(t *testing.T) {
	day := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC) // a Tuesday
	hour := BiasHour(models.BracketElderly, day)
	assert.Contains(t, []int{9, 10, 11, 14, 15}, hour)

	hour = BiasHour(models.BracketWorkingAge, day)
	assert.Contains(t, []int{8, 12, 13, 18, 19, 20}, hour)
}
