package heartbeat_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"greenhouse.dev/pulse/internal/heartbeat"
)

var _ = Describe("DecodeTelemetry", func() {
	It("should decode all fields when present and well-typed", func() {
		t := heartbeat.DecodeTelemetry([]byte(`{"rssi":-72,"fw_version":"v3.1.1","ip_address":"192.168.4.2","device_hostname":"esp-07"}`))
		Expect(*t.RSSI).To(Equal(-72))
		Expect(*t.FirmwareVersion).To(Equal("v3.1.1"))
		Expect(*t.IPAddress).To(Equal("192.168.4.2"))
		Expect(*t.Hostname).To(Equal("esp-07"))
	})

	It("should truncate fractional rssi values", func() {
		t := heartbeat.DecodeTelemetry([]byte(`{"rssi":-67.8}`))
		Expect(*t.RSSI).To(Equal(-67))
	})

	DescribeTable("should treat anything unusable as absent",
		func(body string) {
			t := heartbeat.DecodeTelemetry([]byte(body))
			Expect(t.RSSI).To(BeNil())
			Expect(t.FirmwareVersion).To(BeNil())
			Expect(t.IPAddress).To(BeNil())
			Expect(t.Hostname).To(BeNil())
		},
		Entry("empty body", ""),
		Entry("empty object", "{}"),
		Entry("truncated JSON", `{"rssi":`),
		Entry("not JSON at all", "hello"),
		Entry("JSON array", `[1,2,3]`),
		Entry("wrong-typed fields", `{"rssi":"loud","fw_version":3,"ip_address":{},"device_hostname":[]}`),
	)

	It("should keep well-formed fields while dropping malformed ones", func() {
		t := heartbeat.DecodeTelemetry([]byte(`{"rssi":"loud","fw_version":"v3.0.0"}`))
		Expect(t.RSSI).To(BeNil())
		Expect(*t.FirmwareVersion).To(Equal("v3.0.0"))
	})
})
