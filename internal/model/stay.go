package model

import "time"

// Stay describes a limited-slot residency that guests apply for.  The
// catalog is managed out of band; this service only reads it to validate
// applications and to put a title and room prices on outgoing responses
// and notifications.
//
// Room prices are stored as exact decimal strings in human token units so
// that no float conversion ever touches a money value.
type Stay struct {
	ID            uint64    // stays.id
	Title         string    // stays.title
	Slots         uint32    // stays.slots, capacity hint for the waitlist UI
	RoomPriceUSDC *string   // stays.room_price_usdc (nullable, decimal string)
	RoomPriceUSDT *string   // stays.room_price_usdt (nullable, decimal string)
	StartsAt      time.Time // stays.starts_at
	EndsAt        time.Time // stays.ends_at
	CreatedAt     time.Time // stays.created_at
}
