// Package translation provides the gRPC service definition for the
// translation service.
//
// The service has a single unary method:
//   - Translate: takes a text id (google.protobuf.Int64Value) and returns the
//     translated text (google.protobuf.StringValue)
//
// Messages are protobuf well-known wrapper types, so no generated message code
// is needed; the service descriptor, client stub and handler are declared here
// in the same shape protoc-gen-go-grpc emits.
//
// Usage:
//
//	This package is typically wrapped by internal/grpc/translation
//	for the asynchronous client and the demo server.
package translation
