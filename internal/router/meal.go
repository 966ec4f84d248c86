package router

import (
	"regexp"
	"strconv"
	"time"

	"github.com/naehrwerk/naehrwerk-bot/internal/store"
)

// FoodInstruction accompanies every image sent to the agent.
const FoodInstruction = "Bitte identifiziere alle Lebensmittel auf diesem Bild und schätze Kalorien und Nährwerte."

var caloriePattern = regexp.MustCompile(`(?i)(\d{2,5})\s*(?:kcal|kalorien|calories)`)

// MealTypeAt classifies a meal by the local time it was reported.
func MealTypeAt(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 11:
		return store.MealBreakfast
	case h >= 11 && h < 15:
		return store.MealLunch
	case h >= 17 && h < 22:
		return store.MealDinner
	default:
		return store.MealSnack
	}
}

// ParseCalories returns the first "NNN kcal" figure in text.
func ParseCalories(text string) *int {
	m := caloriePattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}
