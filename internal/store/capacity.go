package store

import "qms/hospital-queue/internal/models"

// SlotCapacity resolves the effective capacity of a slot.
func SlotCapacity(slot models.Slot, defaultMax int) int {
	if slot.MaxPatients > 0 {
		return slot.MaxPatients
	}
	if defaultMax > 0 {
		return defaultMax
	}
	return models.DefaultMaxPatients
}

// CheckCapacity validates a booking against the doctor's slot configuration
// given the number of non-cancelled appointments already in the slot. It
// returns the ordinal the new appointment receives. Callers must hold the
// slot's critical section from the count until the insert commits.
func CheckCapacity(doctor models.Doctor, slotTime string, booked, defaultMax int) (int, error) {
	slot, ok := doctor.FindSlot(slotTime)
	if !ok {
		return 0, ErrSlotNotFound
	}
	if booked >= SlotCapacity(slot, defaultMax) {
		return 0, ErrSlotFull
	}
	return booked + 1, nil
}

// EstimateWaitMinutes is a display estimate, not a schedule.
func EstimateWaitMinutes(booked, serviceMinutes int) int {
	if booked <= 0 || serviceMinutes <= 0 {
		return 0
	}
	return booked * serviceMinutes
}

// Availability reports every configured slot of doctor for one date given
// the booked count per slot time.
func Availability(doctor models.Doctor, booked map[string]int, defaultMax, serviceMinutes int) []models.SlotAvailability {
	result := make([]models.SlotAvailability, 0, len(doctor.Slots))
	for _, slot := range doctor.Slots {
		capacity := SlotCapacity(slot, defaultMax)
		count := booked[slot.Time]
		remaining := capacity - count
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, models.SlotAvailability{
			Time:                 slot.Time,
			MaxPatients:          capacity,
			Booked:               count,
			Remaining:            remaining,
			Available:            remaining > 0,
			EstimatedWaitMinutes: EstimateWaitMinutes(count, serviceMinutes),
		})
	}
	return result
}
