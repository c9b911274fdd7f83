package types

import "time"

// AlertTag discriminates the alert variants.
type AlertTag string

const (
	AlertTagSystem           AlertTag = "systemAlert"
	AlertTagCore             AlertTag = "coreAlert"
	AlertTagSystemQuota      AlertTag = "systemQuotaAlert"
	AlertTagInstanceQuota    AlertTag = "instanceQuotaAlert"
	AlertTagDeviceAllocate   AlertTag = "deviceAllocateAlert"
	AlertTagResourceValidate AlertTag = "resourceValidateAlert"
	AlertTagDownload         AlertTag = "downloadAlert"
	AlertTagServiceInstance  AlertTag = "serviceInstanceAlert"
)

// Alert is implemented by every alert variant; mapping to the wire is a
// switch on Tag.
type Alert interface {
	Tag() AlertTag
}

// AlertItem is the payload common to all variants.
type AlertItem struct {
	Timestamp time.Time
	Message   string
}

// SystemAlert reports a journal message from an arbitrary system unit.
type SystemAlert struct {
	AlertItem
}

func (SystemAlert) Tag() AlertTag { return AlertTagSystem }

// CoreAlert reports a journal message from one of the node's own core services.
type CoreAlert struct {
	AlertItem
	CoreComponent string
}

func (CoreAlert) Tag() AlertTag { return AlertTagCore }

// SystemQuotaAlert reports a node-level resource quota violation.
type SystemQuotaAlert struct {
	AlertItem
	Parameter string
	Value     uint64
}

func (SystemQuotaAlert) Tag() AlertTag { return AlertTagSystemQuota }

// InstanceQuotaAlert reports a per-instance resource quota violation.
type InstanceQuotaAlert struct {
	AlertItem
	Ident     InstanceIdent
	Parameter string
	Value     uint64
}

func (InstanceQuotaAlert) Tag() AlertTag { return AlertTagInstanceQuota }

// DeviceAllocateAlert reports a device that could not be bound to an instance.
type DeviceAllocateAlert struct {
	AlertItem
	Ident  InstanceIdent
	Device string
}

func (DeviceAllocateAlert) Tag() AlertTag { return AlertTagDeviceAllocate }

// ResourceValidateAlert reports an invalid node resource configuration.
type ResourceValidateAlert struct {
	AlertItem
	Name   string
	Errors []ErrorInfo
}

func (ResourceValidateAlert) Tag() AlertTag { return AlertTagResourceValidate }

// DownloadAlert reports a failed artifact download.
type DownloadAlert struct {
	AlertItem
	URL string
}

func (DownloadAlert) Tag() AlertTag { return AlertTagDownload }

// ServiceInstanceAlert reports a journal message logged by a service instance.
type ServiceInstanceAlert struct {
	AlertItem
	Instance string
}

func (ServiceInstanceAlert) Tag() AlertTag { return AlertTagServiceInstance }
