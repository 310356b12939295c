package progression

// LockReason — код причины, по которой лист заблокирован (или "OK").
// Набор закрыт; коды отдаются клиенту как есть.
type LockReason string

const (
	LockReasonOK                    LockReason = "OK"
	LockReasonWaitingForTomorrow    LockReason = "WAITING_FOR_TOMORROW"
	LockReasonAlreadyCompletedToday LockReason = "ALREADY_COMPLETED_TODAY"
	LockReasonSubscriptionRequired  LockReason = "SUBSCRIPTION_REQUIRED"
	LockReasonOutOfSequence         LockReason = "OUT_OF_SEQUENCE"
	LockReasonInvalidWorksheet      LockReason = "INVALID_WORKSHEET"
)

// FreeWorksheetCount — число листов, доступных без активной подписки.
const FreeWorksheetCount = 3

// RequiresSubscription сообщает, требует ли позиция seqIndex подписку.
func RequiresSubscription(seqIndex int) bool {
	return seqIndex > FreeWorksheetCount
}

// HasSubscriptionAccess проверяет доступность позиции с учётом подписки.
func HasSubscriptionAccess(seqIndex int, entitlementActive bool) bool {
	if !RequiresSubscription(seqIndex) {
		return true
	}
	return entitlementActive
}

// LockInputs — входные данные резолвера причины блокировки.
type LockInputs struct {
	CanCompleteToday  bool
	CompletedToday    bool
	NextSeqIndex      int
	EntitlementActive bool
}

// ResolveLockReason вычисляет причину блокировки в порядке приоритета:
// дневной лимит, затем подписочный гейт, затем "OK".
func ResolveLockReason(in LockInputs) LockReason {
	if !in.CanCompleteToday {
		if in.CompletedToday {
			return LockReasonAlreadyCompletedToday
		}
		return LockReasonWaitingForTomorrow
	}

	if RequiresSubscription(in.NextSeqIndex) && !in.EntitlementActive {
		return LockReasonSubscriptionRequired
	}

	return LockReasonOK
}

// State — долговременное состояние прогрессии одного пользователя в том
// виде, в каком с ним работает ядро. Инвариант: CurrentSeqIndex >= 1.
type State struct {
	CurrentSeqIndex               int
	LastCompletedLocalDate        LocalDate
	LastPenaltyProcessedLocalDate LocalDate
}

// CatchUp применяет к состоянию накопившиеся штрафы за пропущенные дни и
// возвращает новое состояние вместе с числом списанных дней. Вызывается
// перед каждой оценкой сегодняшней доступности: штрафы за прошлые дни
// должны лечь до того, как судится сегодняшний день.
func CatchUp(st State, today LocalDate) (State, int) {
	res := ComputeMissedDayPenalty(MissedDayInputs{
		LastCompletedLocalDate:        st.LastCompletedLocalDate,
		LastPenaltyProcessedLocalDate: st.LastPenaltyProcessedLocalDate,
		TodayLocalDate:                today,
	})

	if res.MissedDays > 0 {
		st.CurrentSeqIndex = ApplyPenalty(st.CurrentSeqIndex, res.MissedDays)
		st.LastPenaltyProcessedLocalDate = res.ProcessedThroughDate
	}

	return st, res.MissedDays
}

// Decision — решение по сегодняшнему дню для уже «догнанного» состояния.
type Decision struct {
	CompletedToday   bool
	CanCompleteToday bool
	LockReason       LockReason
}

// CheckCompletion проверяет право завершить лист на позиции seqIndex для
// уже «догнанного» состояния. Возвращает LockReasonOK, когда завершение
// разрешено. Порядок проверок фиксирован: при конкурентном повторе клиент
// сначала видит дневной лимит, а не рассинхрон позиции.
func CheckCompletion(st State, seqIndex int, entitlementActive bool, today LocalDate) LockReason {
	d := Evaluate(st, entitlementActive, today)

	switch {
	case d.CompletedToday:
		return LockReasonAlreadyCompletedToday
	case !d.CanCompleteToday:
		// Пока CanCompleteToday == !CompletedToday, сюда не попасть;
		// ветка сработает, когда у резолвера появятся другие дневные
		// лимиты.
		return LockReasonWaitingForTomorrow
	case seqIndex != st.CurrentSeqIndex:
		return LockReasonOutOfSequence
	case !HasSubscriptionAccess(seqIndex, entitlementActive):
		return LockReasonSubscriptionRequired
	}

	return LockReasonOK
}

// Evaluate выносит решение: можно ли завершить лист сегодня и почему нет,
// если нельзя. Не более одного завершения за локальный день — ключевой
// инвариант всей системы.
func Evaluate(st State, entitlementActive bool, today LocalDate) Decision {
	completedToday := st.LastCompletedLocalDate != "" && st.LastCompletedLocalDate == today
	canComplete := !completedToday

	return Decision{
		CompletedToday:   completedToday,
		CanCompleteToday: canComplete,
		LockReason: ResolveLockReason(LockInputs{
			CanCompleteToday:  canComplete,
			CompletedToday:    completedToday,
			NextSeqIndex:      st.CurrentSeqIndex,
			EntitlementActive: entitlementActive,
		}),
	}
}
