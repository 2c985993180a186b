package storage

import "time"

type Binding struct {
	ID        int64
	QQID      int64
	GameID    string
	GroupID   int64
	CreatedAt time.Time
}

type WhitelistEntry struct {
	ID        int64
	GameID    string
	QQID      int64
	Source    string
	CreatedAt time.Time
}

type AuditRecord struct {
	ID        int64
	QQID      int64
	GameID    string
	Score     int
	Passed    bool
	Detail    string
	CreatedAt time.Time
}

type OpEntry struct {
	Actor    int64
	Action   string
	MetaJSON string
}
