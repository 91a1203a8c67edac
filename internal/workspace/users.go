package workspace

import (
	"context"
	"log"
	"net/mail"
	"strings"
	"time"

	"studiodesk/api/internal/prefs"
	"studiodesk/api/internal/rbac"
	"studiodesk/api/internal/store"
	"studiodesk/api/internal/util"
)

type UserInput struct {
	Name             string          `json:"name"`
	Email            string          `json:"email"`
	Role             string          `json:"role"`
	Phone            string          `json:"phone"`
	NotificationPref string          `json:"notification_pref"`
	Permissions      map[string]bool `json:"permissions,omitempty"`
}

// ProfileInput is a partial edit of the signed-in user's own profile. Nil
// fields are left unchanged.
type ProfileInput struct {
	Name             *string `json:"name,omitempty"`
	Phone            *string `json:"phone,omitempty"`
	AvatarURL        *string `json:"avatar_url,omitempty"`
	NotificationPref *string `json:"notification_pref,omitempty"`
}

func validNotificationPref(value string) bool {
	switch value {
	case store.NotifyAll, store.NotifyMentions, store.NotifyNone:
		return true
	default:
		return false
	}
}

// AddUser creates a pending account for a teammate and, once the row is
// stored, sends them an invitation. A failed invitation leaves the user in
// place and raises an attention notice.
func (w *Workspace) AddUser(ctx context.Context, in UserInput) (store.User, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.User{}, invalid("user name is required")
	}
	address, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil {
		return store.User{}, invalid("email %q is not valid", in.Email)
	}
	pref := in.NotificationPref
	if pref == "" {
		pref = store.NotifyAll
	}
	if !validNotificationPref(pref) {
		return store.User{}, invalid("unknown notification preference %q", in.NotificationPref)
	}
	role := string(rbac.Normalize(in.Role))
	permissions := in.Permissions
	if permissions == nil {
		permissions = rbac.DefaultPermissions(role)
	}

	user := store.User{
		ID:               util.NewID("usr"),
		Name:             name,
		Email:            strings.ToLower(address.Address),
		AvatarURL:        PlaceholderAvatar(name),
		Role:             role,
		Phone:            strings.TrimSpace(in.Phone),
		NotificationPref: pref,
		Status:           store.UserPending,
		Permissions:      permissions,
		CreatedAt:        time.Now().UTC(),
	}
	var inviter string
	err = w.run(ctx, mutation{
		action: "add user",
		apply: func() (func(), error) {
			inviter = w.profile.Name
			return insertUndo(w.users, user, user.ID)
		},
		write: func(ctx context.Context) error { return w.deps.Backend.InsertUser(ctx, user) },
	})
	if err != nil {
		return store.User{}, err
	}

	if w.deps.Inviter != nil {
		if err := w.deps.Inviter.SendInvitation(user.Email, user.Name, inviter); err != nil {
			log.Printf("workspace: invite %s: %v", user.Email, err)
			w.bus.Push("User added, invitation not sent", err, SeverityAttention)
		}
	}
	return user, nil
}

func (w *Workspace) RemoveUser(ctx context.Context, userID string) error {
	return w.run(ctx, mutation{
		action: "remove user",
		apply: func() (func(), error) {
			if userID == w.identity.UserID {
				return nil, invalid("you cannot remove yourself")
			}
			return deleteUndo(w.users, userID)
		},
		write: func(ctx context.Context) error { return w.deps.Backend.DeleteUser(ctx, userID) },
	})
}

// UpdateUser is the administrative edit of another user's record.
func (w *Workspace) UpdateUser(ctx context.Context, userID string, in UserInput) (store.User, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.User{}, invalid("user name is required")
	}
	if in.NotificationPref != "" && !validNotificationPref(in.NotificationPref) {
		return store.User{}, invalid("unknown notification preference %q", in.NotificationPref)
	}

	var next store.User
	err := w.run(ctx, mutation{
		action: "update user",
		apply: func() (func(), error) {
			prev, ok := w.users.Get(userID)
			if !ok {
				return nil, ErrNotFound
			}
			next = prev
			next.Name = name
			next.Phone = strings.TrimSpace(in.Phone)
			if in.Role != "" {
				next.Role = string(rbac.Normalize(in.Role))
			}
			if in.NotificationPref != "" {
				next.NotificationPref = in.NotificationPref
			}
			if in.Permissions != nil {
				next.Permissions = in.Permissions
			}
			undo, err := putUndo(w.users, userID, next)
			if err != nil {
				return nil, err
			}
			if userID != w.identity.UserID {
				return undo, nil
			}
			profile := w.profile
			w.profile = next
			return func() {
				undo()
				w.profile = profile
			}, nil
		},
		write: func(ctx context.Context) error { return w.deps.Backend.UpdateUser(ctx, next) },
	})
	if err != nil {
		return store.User{}, err
	}
	return next, nil
}

// UpdateProfile edits the signed-in user's own profile and records one audit
// entry per changed field. The write carries the whole row, so it is refused
// until the stored profile has loaded.
func (w *Workspace) UpdateProfile(ctx context.Context, in ProfileInput) (store.User, error) {
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return store.User{}, invalid("name must not be empty")
	}
	if in.NotificationPref != nil && !validNotificationPref(*in.NotificationPref) {
		return store.User{}, invalid("unknown notification preference %q", *in.NotificationPref)
	}

	var (
		next    store.User
		userID  string
		changes []prefs.ProfileChange
	)
	err := w.run(ctx, mutation{
		action: "update profile",
		apply: func() (func(), error) {
			if w.phase != PhaseLoaded {
				return nil, ErrProfileLoading
			}
			userID = w.identity.UserID
			prev := w.profile
			next = prev
			at := humanTime(time.Now())
			set := func(field string, target *string, value *string) {
				if value == nil {
					return
				}
				v := strings.TrimSpace(*value)
				if v == *target {
					return
				}
				changes = append(changes, prefs.ProfileChange{Field: field, Old: *target, New: v, At: at})
				*target = v
			}
			set("name", &next.Name, in.Name)
			set("phone", &next.Phone, in.Phone)
			set("avatar_url", &next.AvatarURL, in.AvatarURL)
			set("notification_pref", &next.NotificationPref, in.NotificationPref)

			w.profile = next
			_, cached := w.users.Get(userID)
			w.users.Put(next)
			return func() {
				w.profile = prev
				if cached {
					w.users.Put(prev)
				} else {
					w.users.Delete(userID)
				}
			}, nil
		},
		write: func(ctx context.Context) error {
			if len(changes) == 0 {
				return nil
			}
			return w.deps.Backend.UpdateUser(ctx, next)
		},
	})
	if err != nil {
		return store.User{}, err
	}

	if w.deps.Prefs != nil {
		for _, change := range changes {
			if err := w.deps.Prefs.AppendProfileChange(ctx, userID, change); err != nil {
				log.Printf("workspace: record profile change for %s: %v", userID, err)
				break
			}
		}
	}
	return next, nil
}

// ProfileChanges returns the signed-in user's recent profile edits, newest
// first.
func (w *Workspace) ProfileChanges(ctx context.Context) ([]prefs.ProfileChange, error) {
	w.mu.Lock()
	_, userID, err := w.currentLocked()
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if w.deps.Prefs == nil {
		return nil, nil
	}
	return w.deps.Prefs.ProfileChanges(ctx, userID)
}

// Allowed reports whether the signed-in user may perform action.
func (w *Workspace) Allowed(action rbac.Action) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, _, err := w.currentLocked(); err != nil {
		return false
	}
	return rbac.Allowed(w.profile.Role, w.profile.Permissions, action)
}
