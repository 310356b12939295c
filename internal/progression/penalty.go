package progression

// MissedDayInputs — входные данные расчёта штрафа за пропущенные дни.
type MissedDayInputs struct {
	// LastCompletedLocalDate — дата последнего успешного завершения листа.
	// Пустая строка означает, что пользователь ещё ничего не завершал.
	LastCompletedLocalDate LocalDate
	// LastPenaltyProcessedLocalDate — водяной знак: последняя дата, по
	// которую штрафы уже были списаны. Может быть пустой.
	LastPenaltyProcessedLocalDate LocalDate
	// TodayLocalDate — сегодняшняя локальная дата пользователя.
	TodayLocalDate LocalDate
}

// MissedDayResult — результат расчёта: сколько дней списать и новый
// водяной знак.
type MissedDayResult struct {
	MissedDays           int
	ProcessedThroughDate LocalDate
}

// ComputeMissedDayPenalty считает штраф ровно один раз за каждый
// пропущенный день. Повторный вызов в тот же день с состоянием,
// полученным из первого вызова, всегда даёт MissedDays = 0 — водяной
// знак делает функцию идемпотентной без внешней дедупликации.
func ComputeMissedDayPenalty(in MissedDayInputs) MissedDayResult {
	// Пользователь без единого завершения не штрафуется.
	if in.LastCompletedLocalDate == "" {
		return MissedDayResult{
			MissedDays:           0,
			ProcessedThroughDate: in.LastPenaltyProcessedLocalDate,
		}
	}

	yesterday := AddDays(in.TodayLocalDate, -1)

	// Базовая точка отсчёта — более поздняя из даты завершения и водяного
	// знака; отсутствующий водяной знак считается более ранним.
	baseline := in.LastCompletedLocalDate
	if in.LastPenaltyProcessedLocalDate > baseline {
		baseline = in.LastPenaltyProcessedLocalDate
	}

	missed := DaysBetween(baseline, yesterday)

	processedThrough := in.LastPenaltyProcessedLocalDate
	if missed > 0 {
		processedThrough = yesterday
	}

	return MissedDayResult{
		MissedDays:           missed,
		ProcessedThroughDate: processedThrough,
	}
}

// ApplyPenalty откатывает позицию на missedDays назад, но никогда не
// опускает её ниже первого листа.
func ApplyPenalty(currentSeqIndex, missedDays int) int {
	next := currentSeqIndex - missedDays
	if next < 1 {
		return 1
	}
	return next
}
