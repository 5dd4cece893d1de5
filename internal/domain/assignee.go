package domain

// Assignee is the snapshot of the assigned member stored with a schedule.
type Assignee struct {
	MemberID     int64
	MembershipID int64
	Name         string
	Photo        string
	Gender       string
	OwnerFlag    Flag
	LeaderFlag   Flag
}

// AssigneeFromMember snapshots a roster entry.
func AssigneeFromMember(m GroupMember) Assignee {
	return Assignee{
		MemberID:     m.MemberID,
		MembershipID: m.MembershipID,
		Name:         m.Name,
		Photo:        m.Photo,
		Gender:       m.Gender,
		OwnerFlag:    m.OwnerFlag,
		LeaderFlag:   m.LeaderFlag,
	}
}

// AssigneeOf returns the snapshot already carried by e.
func AssigneeOf(e *ScheduleEvent) Assignee {
	return Assignee{
		MemberID:     e.AssigneeID,
		MembershipID: e.GroupMembershipID,
		Name:         e.AssigneeName,
		Photo:        e.AssigneePhoto,
		Gender:       e.AssigneeGender,
		OwnerFlag:    e.OwnerFlag,
		LeaderFlag:   e.LeaderFlag,
	}
}

// Apply copies the snapshot onto e.
func (a Assignee) Apply(e *ScheduleEvent) {
	e.AssigneeID = a.MemberID
	e.GroupMembershipID = a.MembershipID
	e.AssigneeName = a.Name
	e.AssigneePhoto = a.Photo
	e.AssigneeGender = a.Gender
	e.OwnerFlag = a.OwnerFlag
	e.LeaderFlag = a.LeaderFlag
}

// Submission is a validated draft with everything resolved that the remote
// schedule API stores: group, assignee snapshot and the encoded rule.
type Submission struct {
	Draft
	Group       Group
	Assignee    Assignee
	RuleEncoded string
	ActorID     int64
}
