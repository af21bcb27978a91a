package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-gcm-device-service/pkg/device"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/dispatch"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

// maxInValues is the Firestore limit on the number of values in an "in" filter.
const maxInValues = 30

// FirestoreStore implements dispatch.Store using Google Cloud Firestore.
// Devices live in a single collection keyed by device ID.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

var _ dispatch.Store = (*FirestoreStore)(nil)

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "devices"
	}
	return &FirestoreStore{client: client, collection: collection}
}

// deviceRecord is the internal DB representation.
type deviceRecord struct {
	DeviceID           string    `firestore:"dev_id"`
	RegistrationID     string    `firestore:"reg_id"`
	Name               string    `firestore:"name,omitempty"`
	CreatedAt          time.Time `firestore:"created_at"`
	ModifiedAt         time.Time `firestore:"modified_at"`
	IsActive           bool      `firestore:"is_active"`
	DeactivationReason string    `firestore:"deactivation_reason,omitempty"`
	OwnerID            string    `firestore:"owner_id,omitempty"`
}

func (r deviceRecord) toDevice() device.Device {
	return device.Device{
		DeviceID:           r.DeviceID,
		RegistrationID:     r.RegistrationID,
		Name:               r.Name,
		CreatedAt:          r.CreatedAt,
		ModifiedAt:         r.ModifiedAt,
		IsActive:           r.IsActive,
		DeactivationReason: r.DeactivationReason,
		OwnerID:            r.OwnerID,
	}
}

func fromDevice(d device.Device) deviceRecord {
	return deviceRecord{
		DeviceID:           d.DeviceID,
		RegistrationID:     d.RegistrationID,
		Name:               d.Name,
		CreatedAt:          d.CreatedAt,
		ModifiedAt:         d.ModifiedAt,
		IsActive:           d.IsActive,
		DeactivationReason: d.DeactivationReason,
		OwnerID:            d.OwnerID,
	}
}

// --- Reconciliation ---

func (s *FirestoreStore) FindByRegistrationIDs(ctx context.Context, registrationIDs []string) ([]device.Device, error) {
	var found []device.Device
	for _, chunk := range gcm.Batch(registrationIDs, maxInValues) {
		devices, err := s.collect(s.devices().Where("reg_id", "in", chunk).Documents(ctx))
		if err != nil {
			return nil, err
		}
		found = append(found, devices...)
	}
	return found, nil
}

func (s *FirestoreStore) Deactivate(ctx context.Context, d device.Device, reason string) error {
	ref := s.devices().Doc(d.DeviceID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			// Deleted out from under us; nothing to deactivate.
			return nil
		}
		if err != nil {
			return err
		}
		var current deviceRecord
		if err := snap.DataTo(&current); err != nil {
			return err
		}
		if !current.IsActive {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "is_active", Value: false},
			{Path: "deactivation_reason", Value: reason},
			{Path: "modified_at", Value: time.Now().UTC()},
		})
	})
	if err != nil {
		return fmt.Errorf("firestore deactivate %s: %w", d.DeviceID, err)
	}
	return nil
}

// --- Fan-out ---

func (s *FirestoreStore) ListActiveRegistrationIDs(ctx context.Context, filter device.Filter) ([]string, error) {
	active := s.devices().Where("is_active", "==", true)

	var devices device.Devices
	if len(filter.DeviceIDs) == 0 {
		found, err := s.collect(active.Documents(ctx))
		if err != nil {
			return nil, err
		}
		devices = found
	} else {
		for _, chunk := range gcm.Batch(filter.DeviceIDs, maxInValues) {
			found, err := s.collect(active.Where("dev_id", "in", chunk).Documents(ctx))
			if err != nil {
				return nil, err
			}
			devices = append(devices, found...)
		}
	}

	// Ordered client-side so that no composite index is required.
	devices.SortByRecency()
	if filter.Limit > 0 && len(devices) > filter.Limit {
		devices = devices[:filter.Limit]
	}
	return devices.RegistrationIDs(), nil
}

// --- Registration ---

func (s *FirestoreStore) Register(ctx context.Context, d device.Device) (device.Device, error) {
	ref := s.devices().Doc(d.DeviceID)
	var saved deviceRecord

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		owners, err := tx.Documents(s.devices().Where("reg_id", "==", d.RegistrationID)).GetAll()
		if err != nil {
			return err
		}
		for _, owner := range owners {
			if owner.Ref.ID != d.DeviceID {
				return dispatch.ErrRegistrationInUse
			}
		}

		now := time.Now().UTC()
		record := fromDevice(d)
		record.CreatedAt = now
		record.ModifiedAt = now
		record.IsActive = true
		record.DeactivationReason = ""

		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing deviceRecord
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if existing.OwnerID != "" && existing.OwnerID != d.OwnerID {
				return dispatch.ErrNotDeviceOwner
			}
			if !existing.CreatedAt.IsZero() {
				record.CreatedAt = existing.CreatedAt
			}
		case status.Code(err) != codes.NotFound:
			return err
		}

		saved = record
		return tx.Set(ref, record)
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrRegistrationInUse) || errors.Is(err, dispatch.ErrNotDeviceOwner) {
			return device.Device{}, err
		}
		return device.Device{}, fmt.Errorf("firestore register %s: %w", d.DeviceID, err)
	}
	return saved.toDevice(), nil
}

func (s *FirestoreStore) Get(ctx context.Context, deviceID string) (device.Device, error) {
	snap, err := s.devices().Doc(deviceID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return device.Device{}, dispatch.ErrDeviceNotFound
	}
	if err != nil {
		return device.Device{}, fmt.Errorf("firestore get %s: %w", deviceID, err)
	}

	var record deviceRecord
	if err := snap.DataTo(&record); err != nil {
		return device.Device{}, fmt.Errorf("firestore decode %s: %w", deviceID, err)
	}
	return record.toDevice(), nil
}

// --- Helpers ---

func (s *FirestoreStore) devices() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) collect(iter *firestore.DocumentIterator) ([]device.Device, error) {
	defer iter.Stop()

	var devices []device.Device
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil {
			// Corrupt rows are skipped rather than failing the whole query.
			continue
		}
		devices = append(devices, record.toDevice())
	}
	return devices, nil
}
