// Package core defines core types.
package core

// Attribute keys attached to log records, following the {protocol}.{field}
// convention so records from different layers line up.
const (
	LabelDevice      = "device.id"
	LabelDeviceProto = "device.proto"
	LabelEtherType   = "eth.type"
	LabelEthSrc      = "eth.src"
	LabelEthDst      = "eth.dst"

	LabelIPVersion = "ip.version"
	LabelIPSrc     = "ip.src"
	LabelIPDst     = "ip.dst"
	LabelIPProto   = "ip.proto"

	LabelICMPType = "icmp.type"
	LabelICMPCode = "icmp.code"

	LabelGMPProto  = "gmp.proto"
	LabelGMPGroup  = "gmp.group"
	LabelGMPAction = "gmp.action"

	LabelARPTarget = "arp.target"

	LabelReason = "drop.reason"
)
