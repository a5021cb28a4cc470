// Package admission sheds load and caps request bodies before any
// body-dependent work happens.
//
// A Controller owns a LagMonitor that samples scheduler delay on a fixed
// interval and flips an overload flag when the smoothed delay exceeds the
// configured maximum. Handlers read the flag atomically through the Busy
// middleware. An optional token bucket caps the request rate, and LimitBody
// rejects oversized bodies with 413 and closes the connection.
package admission
