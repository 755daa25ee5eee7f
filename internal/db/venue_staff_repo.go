package db

import (
	"context"
	"strings"

	"eventrelay/internal/types"
)

// VenueStaffRepository answers room membership questions from the
// venue_staff table.
type VenueStaffRepository struct {
	db DBTX
}

// NewVenueStaffRepository creates a new VenueStaffRepository.
func NewVenueStaffRepository(db DBTX) *VenueStaffRepository {
	return &VenueStaffRepository{db: db}
}

// IsStaff reports whether userID is on the staff of venueID.
func (r *VenueStaffRepository) IsStaff(ctx context.Context, userID, venueID string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM venue_staff WHERE user_id = $1 AND venue_id = $2
		 )`,
		userID,
		venueID,
	).Scan(&ok)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check venue staff", err)
	}
	return ok, nil
}

// AuthorizeRoom allows identity into venue rooms it is staff of. Rooms with
// any other prefix are denied.
func (r *VenueStaffRepository) AuthorizeRoom(ctx context.Context, identity, roomID string) (bool, error) {
	venueID, ok := strings.CutPrefix(roomID, types.VenueRoomPrefix)
	if !ok || venueID == "" {
		return false, nil
	}
	return r.IsStaff(ctx, identity, venueID)
}
