package preprocess

import (
	"strings"
	"unicode/utf8"

	"nmtwizard/internal/config"
	"nmtwizard/internal/models"
)

func init() {
	MustRegister("length_filter", Registration{
		Build:     buildLengthFilter,
		AppliesTo: trainingOnly,
	})
}

func segmentLength(seg *models.Segment) (chars, words int) {
	text := seg.Detok()
	return utf8.RuneCountInString(text), len(strings.Fields(text))
}

func sideLengthCriteria(params map[string]any, side func(*models.TranslationUnit) *models.Segment) []filterCriterion {
	var criteria []filterCriterion
	bound := func(key string, pick func(chars, words int) int, tooShort bool) {
		limit, ok := config.Number(params, key)
		if !ok {
			return
		}
		criteria = append(criteria, func(tu *models.TranslationUnit) bool {
			seg := side(tu)
			if seg == nil {
				return false
			}
			n := float64(pick(segmentLength(seg)))
			if tooShort {
				return n < limit
			}
			return n > limit
		})
	}
	chars := func(c, _ int) int { return c }
	words := func(_, w int) int { return w }

	bound("min_characters", chars, true)
	bound("max_characters", chars, false)
	bound("min_words", words, true)
	bound("max_words", words, false)
	return criteria
}

func buildLengthFilter(ctx *BuildContext) (Operator, error) {
	source := func(tu *models.TranslationUnit) *models.Segment { return tu.Source() }
	target := func(tu *models.TranslationUnit) *models.Segment { return tu.MainTarget() }

	var criteria []filterCriterion
	criteria = append(criteria, sideLengthCriteria(config.Section(ctx.Params, "source"), source)...)
	criteria = append(criteria, sideLengthCriteria(config.Section(ctx.Params, "target"), target)...)

	ratio := func(key string, tooLow bool) {
		limit, ok := config.Number(ctx.Params, key)
		if !ok {
			return
		}
		criteria = append(criteria, func(tu *models.TranslationUnit) bool {
			tgt := tu.MainTarget()
			if tgt == nil {
				return false
			}
			_, srcWords := segmentLength(tu.Source())
			_, tgtWords := segmentLength(tgt)
			if srcWords == 0 {
				return tgtWords > 0 && !tooLow
			}
			r := float64(tgtWords) / float64(srcWords)
			if tooLow {
				return r < limit
			}
			return r > limit
		})
	}
	ratio("min_words_ratio", true)
	ratio("max_words_ratio", false)

	return newFilter(ctx, criteria), nil
}
