// Package progression реализует ядро ежедневной прогрессии листов:
// календарную арифметику, расчёт штрафов за пропущенные дни и правила
// разблокировки. Все функции пакета чистые и безопасны для
// конкурентного вызова.
package progression

import (
	"errors"
	"fmt"
	"time"
)

// LocalDate — календарная дата в формате YYYY-MM-DD без времени и зоны.
// Формат фиксированной ширины с ведущими нулями, поэтому даты корректно
// сравниваются лексикографически. Пустая строка означает отсутствие даты.
type LocalDate string

// ErrInvalidTimezone возвращается при неизвестном идентификаторе IANA-зоны.
var ErrInvalidTimezone = errors.New("invalid timezone")

const localDateLayout = "2006-01-02"

// LocalDateOf возвращает локальную дату момента t в указанной IANA-зоне.
// Это единственная точка системы, где участвует часовой пояс: дальше вся
// арифметика идёт по строкам LocalDate.
func LocalDateOf(t time.Time, timezone string) (LocalDate, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
	}
	return LocalDateAt(t, loc), nil
}

// LocalDateAt возвращает локальную дату момента t в уже загруженной зоне.
func LocalDateAt(t time.Time, loc *time.Location) LocalDate {
	if loc == nil {
		loc = time.UTC
	}
	return LocalDate(t.In(loc).Format(localDateLayout))
}

// toUTC интерпретирует дату как полночь UTC. Арифметика по полуночи UTC
// не зависит от переходов на летнее время.
func (d LocalDate) toUTC() time.Time {
	t, _ := time.Parse(localDateLayout, string(d))
	return t
}

// AddDays сдвигает дату на days целых дней (days может быть отрицательным).
func AddDays(date LocalDate, days int) LocalDate {
	return LocalDate(date.toUTC().AddDate(0, 0, days).Format(localDateLayout))
}

// DaysBetween возвращает число целых дней строго после startExclusive и по
// endInclusive включительно. Если endInclusive не позже startExclusive,
// возвращает 0 — отрицательных значений не бывает.
func DaysBetween(startExclusive, endInclusive LocalDate) int {
	diff := endInclusive.toUTC().Sub(startExclusive.toUTC())
	if diff <= 0 {
		return 0
	}
	return int(diff / (24 * time.Hour))
}

// NextMidnightUTC возвращает момент наступления следующего локального дня
// после today в зоне loc, приведённый к UTC. Значение информационное.
func NextMidnightUTC(today LocalDate, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	base := today.toUTC()
	next := time.Date(base.Year(), base.Month(), base.Day()+1, 0, 0, 0, 0, loc)
	return next.UTC()
}
