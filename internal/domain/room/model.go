// Package room manages waiting rooms and their occupancy counters.
package room

import (
	"time"

	"github.com/google/uuid"
)

// Room is a waiting room inside a hospital.
type Room struct {
	ID               uuid.UUID `json:"id"`
	HospitalName     string    `json:"hospital_name"`
	Name             string    `json:"name"`
	Capacity         int       `json:"capacity"`
	CurrentOccupancy int       `json:"current_occupancy"`
	Status           string    `json:"status"`
	Color            string    `json:"color"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

const (
	StatusAvailable = "available"
	StatusBusy      = "busy"
	StatusFull      = "full"
)

// Clamp bounds n to [0, capacity].
func Clamp(n, capacity int) int {
	if n < 0 {
		return 0
	}
	if n > capacity {
		return capacity
	}
	return n
}

// DeriveStatus maps an occupancy level to a display status and color.
// Full at capacity, busy from 75%, available below.
func DeriveStatus(occupancy, capacity int) (status, color string) {
	switch {
	case capacity <= 0 || occupancy >= capacity:
		return StatusFull, "red"
	case occupancy*4 >= capacity*3:
		return StatusBusy, "orange"
	default:
		return StatusAvailable, "green"
	}
}

func (r *Room) derive() {
	r.Status, r.Color = DeriveStatus(r.CurrentOccupancy, r.Capacity)
}
