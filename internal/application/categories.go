package app

import (
	"strings"

	"forest-watch/internal/domain/entity"
)

// CategoryRule правило отнесения метки модели к доменной категории
type CategoryRule struct {
	Category entity.Category
	Subtype  string
	Graded   bool // для категории считается степень серьёзности
}

// CategoryTable таблица «метка → категория». Ключи хранятся в нижнем регистре.
type CategoryTable map[string]CategoryRule

// DefaultCategoryTable таблица для моделей лесного мониторинга.
func DefaultCategoryTable() CategoryTable {
	return CategoryTable{
		"fire":  {Category: entity.CategoryFire, Graded: true},
		"flame": {Category: entity.CategoryFire, Graded: true},
		"smoke": {Category: entity.CategoryFire, Subtype: "smoke", Graded: true},

		"animal": {Category: entity.CategoryAnimal},
		"deer":   {Category: entity.CategoryAnimal, Subtype: "deer"},
		"boar":   {Category: entity.CategoryAnimal, Subtype: "boar"},
		"bear":   {Category: entity.CategoryAnimal, Subtype: "bear"},
		"fox":    {Category: entity.CategoryAnimal, Subtype: "fox"},

		"landslide":   {Category: entity.CategoryLandslide, Graded: true},
		"mudslide":    {Category: entity.CategoryLandslide, Subtype: "debris_flow", Graded: true},
		"debris_flow": {Category: entity.CategoryLandslide, Subtype: "debris_flow", Graded: true},
		"rockfall":    {Category: entity.CategoryLandslide, Subtype: "rockfall", Graded: true},

		"forest":             {Category: entity.CategoryForestDegradation, Graded: true},
		"forest_degradation": {Category: entity.CategoryForestDegradation, Graded: true},
		"deforestation":      {Category: entity.CategoryForestDegradation, Subtype: "deforestation", Graded: true},

		"pest":              {Category: entity.CategoryPest, Graded: true},
		"pine_caterpillar":  {Category: entity.CategoryPest, Subtype: "pine_caterpillar", Graded: true},
		"fall_webworm":      {Category: entity.CategoryPest, Subtype: "fall_webworm", Graded: true},
		"larch_caterpillar": {Category: entity.CategoryPest, Subtype: "larch_caterpillar", Graded: true},
		"poplar_defoliator": {Category: entity.CategoryPest, Subtype: "poplar_defoliator", Graded: true},
		"pine_wilt":         {Category: entity.CategoryPest, Subtype: "pine_wilt", Graded: true},
	}
}

// Merge добавляет правила из other поверх текущих.
// Степень серьёзности для новой метки считается, если она считается для её категории.
func (t CategoryTable) Merge(other map[string]string) CategoryTable {
	out := make(CategoryTable, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for label, category := range other {
		c := entity.Category(category)
		out[strings.ToLower(label)] = CategoryRule{Category: c, Graded: t.graded(c)}
	}
	return out
}

func (t CategoryTable) graded(c entity.Category) bool {
	for _, rule := range t {
		if rule.Category == c {
			return rule.Graded
		}
	}
	for _, rule := range DefaultCategoryTable() {
		if rule.Category == c {
			return rule.Graded
		}
	}
	return false
}

// Lookup находит правило для метки.
// Метка вида "pest-fall_webworm" даёт категорию по части до дефиса и подтип по остатку.
func (t CategoryTable) Lookup(label string) CategoryRule {
	key := strings.ToLower(strings.TrimSpace(label))
	if rule, ok := t[key]; ok {
		return rule
	}
	if base, rest, ok := strings.Cut(key, "-"); ok {
		if rule, ok := t[base]; ok {
			rule.Subtype = rest
			return rule
		}
	}
	return CategoryRule{Category: entity.CategoryUnknown}
}

// SeverityBands пороги уверенности для степени серьёзности
type SeverityBands struct {
	Moderate float64
	Severe   float64
}

// DefaultSeverityBands: от 0.85 тяжёлая, от 0.6 средняя.
func DefaultSeverityBands() SeverityBands {
	return SeverityBands{Moderate: 0.6, Severe: 0.85}
}

// Grade возвращает степень серьёзности по уверенности
func (b SeverityBands) Grade(confidence float64) entity.Severity {
	switch {
	case confidence >= b.Severe:
		return entity.SeveritySevere
	case confidence >= b.Moderate:
		return entity.SeverityModerate
	default:
		return entity.SeverityLow
	}
}
