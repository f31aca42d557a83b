// Package main runs the in-memory message relay used by walletmesh during
// development and tests. It fans published envelopes out to topic
// subscribers and retains them for late joiners until their TTL passes.
//
// Wire protocol
//
// Clients connect over websocket and speak JSON-RPC 2.0:
//
//	irn_subscribe   {topic}
//	    Start receiving messages on a topic. Returns a subscription id.
//	    Retained messages still within TTL are replayed immediately.
//
//	irn_unsubscribe {topic, id}
//	    Stop receiving messages on a topic.
//
//	irn_publish     {topic, message, ttl, tag, prompt}
//	    Retain the message for ttl seconds and push it to every other
//	    subscriber of the topic as an irn_subscription request.
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Publishers never receive their own messages back on the same
//     connection.
//   - With -audience set, connections must present an auth token addressed
//     to that audience; the token is verified against the key its issuer
//     claims, so possession of the key is what is being proven.
//   - The default listen address is :7070.
//
// The relay never sees plaintext or symmetric keys; it moves sealed
// envelopes between parties that already share a secret.
package main
