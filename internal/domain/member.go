package domain

// GroupMember is a roster entry of a group.
type GroupMember struct {
	MembershipID int64         `json:"membership_id"`
	MemberID     int64         `json:"member_id"`
	GroupID      int64         `json:"group_id"`
	Name         string        `json:"name"`
	Photo        string        `json:"photo,omitempty"`
	Gender       string        `json:"gender,omitempty"`
	OwnerFlag    Flag          `json:"owner_flag"`
	LeaderFlag   Flag          `json:"leader_flag"`
	TelegramID   int64         `json:"telegram_id,omitempty"`
	Live         *LivePosition `json:"live,omitempty"`
}

// IsManager reports whether the member is an owner or a leader of the group.
func (m *GroupMember) IsManager() bool {
	return m.OwnerFlag.IsSet() || m.LeaderFlag.IsSet()
}

// Actor is the acting user's permission snapshot.
type Actor struct {
	MemberID     int64
	MembershipID int64
	GroupID      int64
	Name         string
	OwnerFlag    Flag
	LeaderFlag   Flag
}

// ActorFromMember builds an actor snapshot from a roster entry.
func ActorFromMember(m GroupMember) Actor {
	return Actor{
		MemberID:     m.MemberID,
		MembershipID: m.MembershipID,
		GroupID:      m.GroupID,
		Name:         m.Name,
		OwnerFlag:    m.OwnerFlag,
		LeaderFlag:   m.LeaderFlag,
	}
}

// CanManage reports whether the actor may act on schedules assigned to
// assigneeID.
func (a Actor) CanManage(assigneeID int64) bool {
	if assigneeID == a.MemberID {
		return true
	}
	return a.OwnerFlag.IsSet() || a.LeaderFlag.IsSet()
}

// FindMember returns the roster entry matching a membership id or a member id.
func FindMember(roster []GroupMember, membershipID, memberID int64) (GroupMember, bool) {
	for _, m := range roster {
		if membershipID != 0 && m.MembershipID == membershipID {
			return m, true
		}
	}
	for _, m := range roster {
		if memberID != 0 && m.MemberID == memberID {
			return m, true
		}
	}
	return GroupMember{}, false
}

// Group is a calendar group. Name and color are copied onto its schedules.
type Group struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}
