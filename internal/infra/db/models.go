package db

import "time"

type KeyEventModel struct {
	ID         int64     `gorm:"primaryKey"`
	Prefix     string    `gorm:"not null;uniqueIndex:key_events_prefix_sn_key,priority:1"`
	SN         int64     `gorm:"column:sn;not null;uniqueIndex:key_events_prefix_sn_key,priority:2"`
	Ilk        string    `gorm:"not null"`
	Digest     string    `gorm:"index;not null"`
	Prior      string    `gorm:"not null"`
	Keys       []byte    `gorm:"column:signing_keys;type:jsonb;not null"`
	Threshold  int64     `gorm:"not null"`
	BodySize   int       `gorm:"not null"`
	Raw        []byte    `gorm:"type:bytea;not null"`
	AcceptedAt time.Time `gorm:"not null"`
}

func (KeyEventModel) TableName() string {
	return "key_events"
}

type ReceiptModel struct {
	ID        int64     `gorm:"primaryKey"`
	Prefix    string    `gorm:"not null;uniqueIndex:receipts_prefix_sn_witness_key,priority:1"`
	SN        int64     `gorm:"column:sn;not null;uniqueIndex:receipts_prefix_sn_witness_key,priority:2"`
	Witness   string    `gorm:"not null;uniqueIndex:receipts_prefix_sn_witness_key,priority:3"`
	Digest    string    `gorm:"not null"`
	Signature []byte    `gorm:"type:bytea;not null"`
	Raw       []byte    `gorm:"type:bytea;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ReceiptModel) TableName() string {
	return "receipts"
}

type LocationReplyModel struct {
	ID        int64     `gorm:"primaryKey"`
	EID       string    `gorm:"column:eid;not null;uniqueIndex:location_replies_eid_scheme_key,priority:1"`
	Scheme    string    `gorm:"not null;uniqueIndex:location_replies_eid_scheme_key,priority:2"`
	URL       string    `gorm:"column:url;not null"`
	Digest    string    `gorm:"not null"`
	Timestamp string    `gorm:"column:dt;not null"`
	Raw       []byte    `gorm:"type:bytea;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (LocationReplyModel) TableName() string {
	return "location_replies"
}
