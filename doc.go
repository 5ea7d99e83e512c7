/*
Package dispatch implements the layer between a DNS resolver and the network that sends
queries upstream and routes the responses back to whoever is waiting for them. It takes
care of the parts that make plain DNS hard to spoof: every UDP query goes out from its own
socket with a randomly chosen source port, and transaction ids are unique per upstream
server and local port.

Manager

A Manager owns the transaction id table, the pools of UDP source ports and the directory of
TCP connections that can be reused. A resolver typically creates one and shares it between
all its upstream clients.

Dispatches

A Dispatch is one logical transport endpoint. UDP dispatches hand out one socket per query,
TCP dispatches carry any number of queries over one connection to the upstream server and
match responses by id, in whatever order they arrive. A DispatchSet spreads UDP queries
over several dispatches.

Entries

An Entry is one outstanding query. It is registered on a dispatch, connected, sent and then
resolved exactly once with the response, a timeout, a cancellation or a connection error.
The outcome is reported through callbacks.

Clients and listeners

Client is a synchronous Resolver built on top of a manager, DNSListener receives queries
from clients and forwards them to any Resolver.
*/
package dispatch
