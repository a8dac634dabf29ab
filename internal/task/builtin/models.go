package builtin

import (
	"strings"
	"time"
)

// Upstream views and the local tables they are copied into. Column names
// follow gorm's snake_case naming, which matches the view columns.
const (
	chargeItemView       = "v_charge_item"
	inpatientChargeView  = "v_inpatient_consumable_charge"
	outpatientChargeView = "v_outpatient_consumable_charge"
)

// ChargeItem is one billable consumable (his_hc_info).
type ChargeItem struct {
	ChargeItemID   string     `gorm:"primaryKey;size:64" json:"chargeItemId"`
	ItemCode       string     `gorm:"size:64" json:"itemCode"`
	ItemName       string     `gorm:"size:255" json:"itemName"`
	ItemType       string     `gorm:"size:64" json:"itemType"`
	ConsumableType string     `gorm:"size:64" json:"consumableType"`
	SpecModel      string     `gorm:"size:255" json:"specModel"`
	Unit           string     `gorm:"size:32" json:"unit"`
	Price          float64    `json:"price"`
	Manufacturer   string     `gorm:"size:255" json:"manufacturer"`
	RegisterNo     string     `gorm:"size:128" json:"registerNo"`
	IsActive       string     `gorm:"size:8" json:"isActive"`
	CreateTime     *time.Time `json:"createTime,omitempty"`
	UpdateTime     *time.Time `json:"updateTime,omitempty"`
}

func (ChargeItem) TableName() string { return "his_hc_info" }

func (c *ChargeItem) trim() {
	trimAll(&c.ChargeItemID, &c.ItemCode, &c.ItemName, &c.ItemType, &c.ConsumableType,
		&c.SpecModel, &c.Unit, &c.Manufacturer, &c.RegisterNo, &c.IsActive)
}

// InpatientCharge is one inpatient consumable charge line (his_zy_sfmx).
type InpatientCharge struct {
	InpatientChargeID int64      `gorm:"primaryKey;autoIncrement:false" json:"inpatientChargeId"`
	PatientID         string     `gorm:"size:64" json:"patientId"`
	PatientName       string     `gorm:"size:128" json:"patientName"`
	InpatientNo       string     `gorm:"size:64" json:"inpatientNo"`
	DeptCode          string     `gorm:"size:64" json:"deptCode"`
	DeptName          string     `gorm:"size:128" json:"deptName"`
	DoctorID          string     `gorm:"size:64" json:"doctorId"`
	DoctorName        string     `gorm:"size:128" json:"doctorName"`
	ChargeItemID      string     `gorm:"size:64;index" json:"chargeItemId"`
	ItemName          string     `gorm:"size:255" json:"itemName"`
	SpecModel         string     `gorm:"size:255" json:"specModel"`
	BatchNo           string     `gorm:"size:64" json:"batchNo"`
	ExpireDate        *time.Time `json:"expireDate,omitempty"`
	UseDate           *time.Time `json:"useDate,omitempty"`
	ChargeDate        *time.Time `gorm:"index" json:"chargeDate,omitempty"`
	Quantity          float64    `json:"quantity"`
	UnitPrice         float64    `json:"unitPrice"`
	TotalAmount       float64    `json:"totalAmount"`
	ChargeOperator    string     `gorm:"size:64" json:"chargeOperator"`
	Remark            string     `gorm:"size:500" json:"remark"`
}

func (InpatientCharge) TableName() string { return "his_zy_sfmx" }

func (c *InpatientCharge) trim() {
	trimAll(&c.PatientID, &c.PatientName, &c.InpatientNo, &c.DeptCode, &c.DeptName,
		&c.DoctorID, &c.DoctorName, &c.ChargeItemID, &c.ItemName, &c.SpecModel, &c.BatchNo,
		&c.ChargeOperator, &c.Remark)
}

// OutpatientCharge is one outpatient consumable charge line (his_mz_sfmx).
type OutpatientCharge struct {
	OutpatientChargeID int64      `gorm:"primaryKey;autoIncrement:false" json:"outpatientChargeId"`
	PatientID          string     `gorm:"size:64" json:"patientId"`
	PatientName        string     `gorm:"size:128" json:"patientName"`
	OutpatientNo       string     `gorm:"size:64" json:"outpatientNo"`
	ClinicCode         string     `gorm:"size:64" json:"clinicCode"`
	ClinicName         string     `gorm:"size:128" json:"clinicName"`
	DoctorID           string     `gorm:"size:64" json:"doctorId"`
	DoctorName         string     `gorm:"size:128" json:"doctorName"`
	ChargeItemID       string     `gorm:"size:64;index" json:"chargeItemId"`
	ItemName           string     `gorm:"size:255" json:"itemName"`
	SpecModel          string     `gorm:"size:255" json:"specModel"`
	BatchNo            string     `gorm:"size:64" json:"batchNo"`
	ExpireDate         *time.Time `json:"expireDate,omitempty"`
	ChargeDate         *time.Time `gorm:"index" json:"chargeDate,omitempty"`
	Quantity           float64    `json:"quantity"`
	UnitPrice          float64    `json:"unitPrice"`
	TotalAmount        float64    `json:"totalAmount"`
	ChargeOperator     string     `gorm:"size:64" json:"chargeOperator"`
	PaymentType        string     `gorm:"size:32" json:"paymentType"`
	ReceiptNo          string     `gorm:"size:64" json:"receiptNo"`
	Remark             string     `gorm:"size:500" json:"remark"`
}

func (OutpatientCharge) TableName() string { return "his_mz_sfmx" }

func (c *OutpatientCharge) trim() {
	trimAll(&c.PatientID, &c.PatientName, &c.OutpatientNo, &c.ClinicCode, &c.ClinicName,
		&c.DoctorID, &c.DoctorName, &c.ChargeItemID, &c.ItemName, &c.SpecModel, &c.BatchNo,
		&c.ChargeOperator, &c.PaymentType, &c.ReceiptNo, &c.Remark)
}

func trimAll(fields ...*string) {
	for _, f := range fields {
		*f = strings.TrimSpace(*f)
	}
}
