// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuvemplay/core/internal/domain"
)

func TestReservationCreateAndList(t *testing.T) {
	f := newFixture(t)
	hostID := f.seedHost(t, "host-user")
	pc := f.seedPC(t, hostID, 10, domain.PCOnline)
	f.seedClient(t, "client-1", 0)

	start := f.clock.Now().UTC().Add(2 * time.Hour)
	status, body := f.call(t, http.MethodPost, "/pcs/"+pc.ID+"/reservations", "client-1", map[string]any{
		"startAt":     start.Format(time.RFC3339),
		"durationMin": 90,
	})
	require.Equal(t, http.StatusCreated, status, "body: %v", body)
	res := body["reservation"].(map[string]any)
	assert.Equal(t, string(domain.ReservationScheduled), res["status"])
	assert.Equal(t, "client-1", res["userId"])

	status, body = f.call(t, http.MethodGet, "/pcs/"+pc.ID+"/reservations", "anyone", nil)
	require.Equal(t, http.StatusOK, status)
	list := body["reservations"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, res["id"], list[0].(map[string]any)["id"])
}

func TestReservationOverlapConflicts(t *testing.T) {
	f := newFixture(t)
	hostID := f.seedHost(t, "host-user")
	pc := f.seedPC(t, hostID, 10, domain.PCOnline)
	f.seedClient(t, "client-1", 0)
	f.seedClient(t, "client-2", 0)

	start := f.clock.Now().UTC().Add(time.Hour)
	status, _ := f.call(t, http.MethodPost, "/pcs/"+pc.ID+"/reservations", "client-1", map[string]any{
		"startAt":     start.Format(time.RFC3339),
		"durationMin": 60,
	})
	require.Equal(t, http.StatusCreated, status)

	// Half inside the booked window.
	status, body := f.call(t, http.MethodPost, "/pcs/"+pc.ID+"/reservations", "client-2", map[string]any{
		"startAt":     start.Add(30 * time.Minute).Format(time.RFC3339),
		"durationMin": 60,
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, domain.CodeScheduleConflict, errCode(t, body))

	// Back-to-back windows touch but do not overlap.
	status, body = f.call(t, http.MethodPost, "/pcs/"+pc.ID+"/reservations", "client-2", map[string]any{
		"startAt":     start.Add(time.Hour).Format(time.RFC3339),
		"durationMin": 60,
	})
	assert.Equal(t, http.StatusCreated, status, "body: %v", body)
}

func TestReservationValidation(t *testing.T) {
	f := newFixture(t)
	hostID := f.seedHost(t, "host-user")
	pc := f.seedPC(t, hostID, 10, domain.PCOnline)
	f.seedClient(t, "client-1", 0)

	now := f.clock.Now().UTC()
	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing startAt", map[string]any{"durationMin": 60}},
		{"no duration or end", map[string]any{"startAt": now.Add(time.Hour).Format(time.RFC3339)}},
		{"end before start", map[string]any{
			"startAt": now.Add(2 * time.Hour).Format(time.RFC3339),
			"endAt":   now.Add(time.Hour).Format(time.RFC3339),
		}},
		{"window too long", map[string]any{
			"startAt":     now.Add(time.Hour).Format(time.RFC3339),
			"durationMin": 60 * 25,
		}},
		{"start in the past", map[string]any{
			"startAt":     now.Add(-time.Hour).Format(time.RFC3339),
			"durationMin": 60,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := f.call(t, http.MethodPost, "/pcs/"+pc.ID+"/reservations", "client-1", tc.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, domain.CodeValidation, errCode(t, body))
		})
	}
}

func TestReservationOnUnknownPC(t *testing.T) {
	f := newFixture(t)
	f.seedClient(t, "client-1", 0)

	status, body := f.call(t, http.MethodPost, "/pcs/ghost/reservations", "client-1", map[string]any{
		"startAt":     f.clock.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		"durationMin": 60,
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, domain.CodePCNotFound, errCode(t, body))
}

func TestReservationCancel(t *testing.T) {
	f := newFixture(t)
	hostID := f.seedHost(t, "host-user")
	pc := f.seedPC(t, hostID, 10, domain.PCOnline)
	f.seedClient(t, "client-1", 0)
	f.seedClient(t, "intruder", 0)

	_, body := f.call(t, http.MethodPost, "/pcs/"+pc.ID+"/reservations", "client-1", map[string]any{
		"startAt":     f.clock.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		"durationMin": 60,
	})
	resID := body["reservation"].(map[string]any)["id"].(string)

	status, body := f.call(t, http.MethodDelete, "/reservations/"+resID, "intruder", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, domain.CodeForbidden, errCode(t, body))

	status, body = f.call(t, http.MethodDelete, "/reservations/"+resID, "client-1", nil)
	require.Equal(t, http.StatusOK, status, "body: %v", body)
	assert.Equal(t, true, body["cancelled"])

	// Cancelling again reports gone, and the slot is reusable.
	status, body = f.call(t, http.MethodDelete, "/reservations/"+resID, "client-1", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, domain.CodeReservationGone, errCode(t, body))

	status, _ = f.call(t, http.MethodPost, "/pcs/"+pc.ID+"/reservations", "intruder", map[string]any{
		"startAt":     f.clock.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		"durationMin": 60,
	})
	assert.Equal(t, http.StatusCreated, status)
}
